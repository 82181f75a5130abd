package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Orca-Escrow/sdk/go/orca"
)

const demoTaskID = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") == "" {
			w.Header().Set("X-PAYMENT-REQUIRED", "ZGVtby1jaGFsbGVuZ2U=")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orca.Task{
			ID:        demoTaskID,
			Budget:    100_000000,
			Remaining: 100_000000,
			Status:    "open",
			CreatedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("POST /api/v1/tasks/"+demoTaskID+"/spend", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orca.AmountResult{TaskID: demoTaskID, AgentID: 1, Amount: "49500000"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := orca.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 首次创建不带付款头，服务端返回 402 与付款要求。
	_, err := client.CreateTask(ctx, orca.CreateTaskRequest{TaskID: demoTaskID, Budget: "100000000"}, "")
	if challenge, ok := err.(*orca.PaymentRequiredError); ok {
		fmt.Printf("received payment challenge (%d bytes)\n", len(challenge.Challenge))
	}

	// 真实客户端此时会按付款要求签署 EIP-3009 授权并编码为信封。
	task, err := client.CreateTask(ctx, orca.CreateTaskRequest{TaskID: demoTaskID, Budget: "100000000"}, "signed-envelope")
	if err != nil {
		panic(err)
	}
	fmt.Printf("opened escrow %s (budget=%d)\n", task.ID, task.Budget)

	result, err := client.Spend(ctx, task.ID, 1, "50000000", "0x2222222222222222222222222222222222222222")
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent %d credited net %s\n", result.AgentID, result.Amount)
}
