// The agent keeps a device's out-of-band channel open towards the
// relay server and bridges subchannels to the local management ports.
package main

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"oobrelay/internal/agent"
	"oobrelay/internal/constants"
	"oobrelay/internal/utils"
)

func main() {
	godotenv.Load()

	serverURL := utils.GetEnv("OOB_SERVER_URL", "ws://localhost:8080")
	deviceID := utils.GetEnv("OOB_DEVICE_ID", "")
	if deviceID == "" {
		log.Fatal("OOB_DEVICE_ID is required")
	}
	agentKey := utils.GetEnv("OOB_AGENT_KEY", "")
	ports := utils.GetEnv("OOB_BIND_PORTS", "16992,16994")
	mgmtHost := utils.GetEnv("OOB_MGMT_HOST", "127.0.0.1")

	target := buildURL(serverURL, deviceID, ports, agentKey)

	for {
		if err := runOnce(target, mgmtHost); err != nil {
			log.Printf("channel lost: %v", err)
		}
		time.Sleep(5 * time.Second)
	}
}

func buildURL(base, deviceID, ports, agentKey string) string {
	q := url.Values{}
	q.Set("id", deviceID)
	q.Set("ports", ports)
	if agentKey != "" {
		q.Set("at", utils.SignValue(deviceID, []byte(agentKey)))
	}
	return strings.TrimSuffix(base, "/") + constants.EndpointAgent + "?" + q.Encode()
}

func runOnce(target, mgmtHost string) error {
	ws, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer ws.Close()

	sess, err := agent.ClientSession(ws)
	if err != nil {
		return err
	}
	defer sess.Close()
	log.Printf("🔌 channel up to %s", ws.RemoteAddr())

	for {
		stream, err := sess.Accept()
		if err != nil {
			return err
		}
		go serveSubchannel(stream, mgmtHost)
	}
}

// serveSubchannel reads the 2-byte port selector and bridges the
// stream to that local management port.
func serveSubchannel(stream net.Conn, mgmtHost string) {
	defer stream.Close()

	var sel [2]byte
	if _, err := io.ReadFull(stream, sel[:]); err != nil {
		log.Printf("subchannel: read port selector: %v", err)
		return
	}
	port := int(binary.BigEndian.Uint16(sel[:]))

	addr := net.JoinHostPort(mgmtHost, strconv.Itoa(port))
	local, err := net.DialTimeout("tcp", addr, constants.DialTimeout)
	if err != nil {
		log.Printf("subchannel: dial %s: %v", addr, err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		buf := make([]byte, constants.CopyBufferSize)
		io.CopyBuffer(dst, src, buf)
		done <- struct{}{}
	}
	go pipe(local, stream)
	go pipe(stream, local)
	<-done
}
