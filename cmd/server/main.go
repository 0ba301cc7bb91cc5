package main

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"oobrelay/internal/device"
	"oobrelay/internal/directory"
	"oobrelay/internal/peering"
	"oobrelay/internal/relay"
	"oobrelay/internal/server"
	"oobrelay/internal/utils"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	serverID := utils.GetEnv("OOB_SERVER_ID", "")
	if serverID == "" {
		serverID = "relay-" + uuid.New().String()[:8]
		log.Printf("OOB_SERVER_ID not set, using %s", serverID)
	}

	authKey := utils.GetEnv("OOB_AUTH_KEY", "")
	if authKey == "" {
		authKey = uuid.New().String()
		log.Printf("Warning: OOB_AUTH_KEY not set, using a random key; operator tokens will not survive a restart")
	}

	cfg := server.Config{
		ServerID: serverID,
		Port:     utils.GetEnv("OOB_PORT", ""),
		AuthKey:  []byte(authKey),
		AgentKey: []byte(utils.GetEnv("OOB_AGENT_KEY", "")),
		Store:    buildStore(),
		BuildPeering: func(dir *directory.Directory) *peering.Peering {
			return buildPeering(serverID, dir)
		},
		Recording: buildRecording(),
		CertFile:  utils.GetEnv("OOB_CERT_FILE", ""),
		KeyFile:   utils.GetEnv("OOB_KEY_FILE", ""),
	}

	server.NewServer(cfg).Run()
}

func buildStore() device.Store {
	uri := utils.GetEnv("OOB_MONGO_URI", "")
	if uri == "" {
		log.Println("OOB_MONGO_URI not set, using in-memory device store")
		return device.NewMemoryStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := device.NewMongoStore(ctx, uri, utils.GetEnv("OOB_MONGO_DB", "oobrelay"))
	if err != nil {
		log.Fatalf("Failed to connect device store: %v", err)
	}
	log.Println("📦 MongoDB device store connected")
	return store
}

func buildRecording() relay.RecordingConfig {
	cfg := relay.RecordingConfig{
		Enabled: strings.ToLower(utils.GetEnv("OOB_RECORDING", "false")) == "true",
		Dir:     utils.GetEnv("OOB_RECORD_PATH", "recordings"),
	}
	for _, p := range strings.Split(utils.GetEnv("OOB_RECORD_PROTOCOLS", ""), ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			cfg.Protocols = append(cfg.Protocols, n)
		}
	}
	return cfg
}

// buildPeering returns nil when no Redis bus is configured, which
// means standalone operation.
func buildPeering(serverID string, dir *directory.Directory) *peering.Peering {
	addr := utils.GetEnv("OOB_REDIS_ADDR", "")
	if addr == "" {
		return nil
	}
	secret := utils.GetEnv("OOB_PEER_KEY", "")
	if secret == "" {
		log.Fatal("OOB_PEER_KEY is required when OOB_REDIS_ADDR is set")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.GetEnv("OOB_REDIS_PASSWORD", ""),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect Redis peer bus: %v", err)
	}

	// OOB_PEERS: "server-2=wss://relay2.example.com,server-3=ws://10.0.0.3:8080"
	addrs := map[string]string{}
	for _, part := range strings.Split(utils.GetEnv("OOB_PEERS", ""), ",") {
		if id, url, ok := strings.Cut(strings.TrimSpace(part), "="); ok {
			addrs[id] = url
		}
	}

	p, err := peering.New(serverID, rdb, secret, addrs, dir)
	if err != nil {
		log.Fatalf("Failed to initialize peering: %v", err)
	}
	log.Printf("🔗 Peering enabled via %s (%d static peers)", addr, len(addrs))
	return p
}
