package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaosproxy/engine/internal/proxy"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}
	addr := ":" + port

	srv := proxy.NewServer(addr)
	if err := srv.Start(); err != nil {
		log.Fatalf("chaosproxy: could not listen on %s: %v", addr, err)
	}
	log.Printf("chaosproxy: listening on %s", addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("chaosproxy: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		log.Fatalf("chaosproxy: shutdown failed: %v", err)
	}

	log.Println("chaosproxy: stopped")
}
