package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"dealseal/auth"
	"dealseal/db"
	"dealseal/deal"
	"dealseal/seal"
	"dealseal/token"
	"dealseal/verify"
)

func main() {
	ctx := context.Background()

	if err := seal.CheckHashPrimitive(); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("bootstrap: JWT_SECRET is required")
	}

	tokenService := token.NewService(nil)
	dealService := deal.NewService(pool, nil, tokenService, nil)
	verifyService := verify.NewService(pool, nil, nil)
	authService := auth.NewService(jwtSecret)

	server := &Server{
		dealService:   dealService,
		verifyService: verifyService,
		authService:   authService,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
