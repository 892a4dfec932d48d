package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agentpay.Session{
				IsActive:        true,
				BudgetLimit:     5_000_000,
				BudgetRemaining: 5_000_000,
				ExpiresAt:       time.Now().Add(24 * time.Hour).UnixMilli(),
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]agentpay.Listing{
			{ID: "echo-agent", Name: "Echo", Modality: "chat", Price: 10_000},
		})
	})
	mux.HandleFunc("/api/v1/calls", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.CallResult{
			Kind:    "text",
			Text:    "hello from the marketplace",
			Charged: 10_000,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.CreateSession(ctx, agentpay.SessionRequest{BudgetTokens: 5, DurationHours: 24})
	if err != nil {
		panic(err)
	}
	fmt.Printf("session active, remaining budget %d\n", session.BudgetRemaining)

	agents, err := client.ListAgents(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("catalog has %d agents\n", len(agents))

	result, err := client.Call(ctx, agentpay.CallRequest{ListingID: agents[0].ID, Message: "hi"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("call delivered %q, charged %d\n", result.Text, result.Charged)

	if err := client.EndSession(ctx); err != nil {
		panic(err)
	}
	fmt.Println("session ended")
}
