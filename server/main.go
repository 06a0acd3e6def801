/******************************************************************************
 *
 *  Description :
 *    Setup and initialization: config, storage, push transports, the entity
 *    hub, the retention scheduler and the websocket endpoint. Shuts the
 *    whole stack down in dependency order on SIGINT/SIGTERM.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinode/jsonco"

	"github.com/whisperline/whisperline/server/logs"
	"github.com/whisperline/whisperline/server/push"
	"github.com/whisperline/whisperline/server/store"

	// Storage adapters. The config selects one.
	_ "github.com/whisperline/whisperline/server/db/boltdb"
	_ "github.com/whisperline/whisperline/server/db/mem"

	// Push transports.
	_ "github.com/whisperline/whisperline/server/push/stdout"
	_ "github.com/whisperline/whisperline/server/push/webpush"
)

const (
	defaultConfigFile       = "./whisperline.conf"
	defaultListen           = ":6060"
	defaultWSPath           = "/v0/channels"
	defaultIdleTimeout      = 300
	defaultRetentionScanSec = 30
)

var globals struct {
	hub          *Hub
	registry     *Registry
	sessionStore *SessionStore
	scheduler    *Scheduler

	statsUpdate chan *varUpdate
}

type configType struct {
	// Address:port to listen on.
	Listen string `json:"listen"`
	// Path of the websocket endpoint.
	WSPath string `json:"ws_path"`
	// Path of the expvar endpoint; disabled when empty.
	Expvar string `json:"expvar"`

	// Seconds an entity instance may idle before eviction.
	EntityIdleTimeout int `json:"entity_idle_timeout"`
	// Seconds between retention trigger scans.
	RetentionScanInterval int `json:"retention_scan_interval"`

	Store json.RawMessage `json:"store_config"`
	Push  json.RawMessage `json:"push"`
}

func main() {
	configFile := flag.String("config", defaultConfigFile, "Path to config file.")
	listenOn := flag.String("listen", "", "Override the address and port to listen on.")
	expvarPath := flag.String("expvar", "", "Override the debug variable path.")
	flag.Parse()

	logs.Init(os.Stderr)

	file, err := os.Open(*configFile)
	if err != nil {
		logs.Err.Fatalln("failed to read config file:", err)
	}
	var config configType
	jr := jsonco.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("unmarshal error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			logs.Err.Fatalln("failed to parse config file:", err)
		}
	}
	file.Close()

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = defaultListen
	}
	if *expvarPath != "" {
		config.Expvar = *expvarPath
	}
	if config.WSPath == "" {
		config.WSPath = defaultWSPath
	}
	if config.EntityIdleTimeout <= 0 {
		config.EntityIdleTimeout = defaultIdleTimeout
	}
	if config.RetentionScanInterval <= 0 {
		config.RetentionScanInterval = defaultRetentionScanSec
	}

	mux := http.NewServeMux()
	statsInit(mux, config.Expvar)

	if err = store.Open(config.Store); err != nil {
		logs.Err.Fatalln("failed to open store:", err)
	}
	logs.Info.Println("opened store, adapter:", store.GetAdapterName())

	if err = push.Init(config.Push); err != nil {
		logs.Err.Fatalln("failed to initialize push:", err)
	}

	globals.registry = newRegistry()
	globals.hub = newHub(globals.registry, time.Duration(config.EntityIdleTimeout)*time.Second)
	globals.sessionStore = NewSessionStore()

	// Endpoints reported gone by the push service get pruned from the
	// owning subscription entity.
	push.SetExpiredHandler(func(userID, endpoint string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := globals.hub.PushSubsRef(userID).DropEndpoint(ctx, endpoint); err != nil {
			logs.Warn.Println("cannot prune expired endpoint of", userID, err)
		}
	})

	globals.scheduler = newScheduler(globals.hub, time.Duration(config.RetentionScanInterval)*time.Second)
	if err = globals.scheduler.Start(); err != nil {
		logs.Err.Fatalln("failed to start scheduler:", err)
	}

	mux.HandleFunc(config.WSPath, serveWebSocket)

	server := &http.Server{Addr: config.Listen, Handler: mux}
	go func() {
		logs.Info.Println("listening on", config.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Err.Fatalln("http server failed:", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logs.Info.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logs.Warn.Println("http shutdown:", err)
	}

	globals.sessionStore.Shutdown()
	globals.scheduler.Stop()
	globals.hub.shutdown()
	push.Stop()
	if err := store.Close(); err != nil {
		logs.Warn.Println("store close:", err)
	}
	statsShutdown()
	logs.Info.Println("bye")
}
