package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenBazaar-Chain/sdk/go/bazaar"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(bazaar.Session{
			RequestID: "req-demo",
			State:     "REQUEST",
			TaskRef:   "ipfs://demo-task",
			Budget:    200,
			CreatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bazaar.Session{
			RequestID:    "req-demo",
			State:        "AWAITING_BID_APPROVAL",
			TaskRef:      "ipfs://demo-task",
			Budget:       200,
			EscrowLocked: 0,
		})
	})
	mux.HandleFunc("/api/v1/session/approval", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := bazaar.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.TriggerSession(ctx, bazaar.TriggerRequest{TaskRef: "ipfs://demo-task", Budget: 200})
	if err != nil {
		panic(err)
	}
	fmt.Printf("triggered session %s (state=%s)\n", session.RequestID, session.State)

	session, err = client.GetSession(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session state=%s locked=%d\n", session.State, session.EscrowLocked)

	accepted, err := client.SubmitBidApproval(ctx, true, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("bid approval accepted=%v\n", accepted)
}
