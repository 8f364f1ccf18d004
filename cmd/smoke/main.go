package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// smoke drives a full fee lifecycle against a running API: login, create a
// structure, assign it, pay it off in two installments, then refund the
// second payment and check the balance went back down.
func main() {
	base := envOr("CAMPUSONE_SMOKE_ADDR", "http://localhost:8080")
	tenantID := os.Getenv("CAMPUSONE_SMOKE_TENANT")
	email := envOr("CAMPUSONE_SMOKE_EMAIL", "admin@campusone.local")
	password := os.Getenv("CAMPUSONE_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("CAMPUSONE_SMOKE_PASSWORD is required")
	}

	c := &client{base: base, tenantID: tenantID, http: &http.Client{Timeout: 10 * time.Second}}

	login := c.post("/v1/auth/login", map[string]any{"email": email, "password": password})
	c.access, _ = login["access_token"].(string)
	if c.access == "" {
		log.Fatalf("login did not return an access token: %v", login)
	}

	studentID := fmt.Sprintf("smoke-student-%d", rand.Int())
	structure := c.post("/v1/finance/structures", map[string]any{
		"name":     "Smoke Term Fee",
		"due_date": time.Now().AddDate(0, 0, 14).Format("2006-01-02"),
		"components": []map[string]any{
			{"name": "Tuition", "amount": 700},
			{"name": "Library", "amount": 300},
		},
	})
	structureID := structure["id"].(string)

	assigned := c.post("/v1/finance/structures/"+structureID+"/assign", map[string]any{
		"student_ids": []string{studentID},
	})
	if assigned["created"].(float64) != 1 {
		log.Fatalf("expected one fee created, got %v", assigned["created"])
	}

	fees := c.get("/v1/finance/fees?student_id=" + studentID)
	items := fees["items"].([]any)
	if len(items) != 1 {
		log.Fatalf("expected one fee, got %d", len(items))
	}
	feeID := items[0].(map[string]any)["id"].(string)

	first := c.post("/v1/finance/payments", map[string]any{"student_fee_id": feeID, "amount": 400})
	if status := first["fee"].(map[string]any)["status"]; status != "partial" {
		log.Fatalf("after 400 expected partial, got %v", status)
	}

	second := c.post("/v1/finance/payments", map[string]any{"student_fee_id": feeID, "amount": 600})
	if status := second["fee"].(map[string]any)["status"]; status != "paid" {
		log.Fatalf("after 1000 expected paid, got %v", status)
	}

	paymentID := second["payment"].(map[string]any)["id"].(string)
	refunded := c.post("/v1/finance/payments/"+paymentID+"/refund", nil)
	if status := refunded["fee"].(map[string]any)["status"]; status != "partial" {
		log.Fatalf("after refund expected partial, got %v", status)
	}

	fmt.Printf("smoke test passed: fee=%s student=%s\n", feeID, studentID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base     string
	tenantID string
	access   string
	http     *http.Client
}

func (c *client) do(method, path string, body any) map[string]any {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s %s: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.access != "" {
		req.Header.Set("Authorization", "Bearer "+c.access)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode %s %s: %v", method, path, err)
	}
	if resp.StatusCode >= 400 {
		log.Fatalf("%s %s: %d %v", method, path, resp.StatusCode, out["error"])
	}
	return out
}

func (c *client) post(path string, body any) map[string]any {
	return c.do(http.MethodPost, path, body)
}

func (c *client) get(path string) map[string]any {
	return c.do(http.MethodGet, path, nil)
}
