// smoke-enroll drives a running studykit-api through the participant
// lifecycle: sign up, sign in, read self, withdraw. Exits non-zero on the
// first unexpected response.
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

func main() {
	base := os.Getenv("STUDYKIT_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	email := fmt.Sprintf("smoke-%d@example.com", rand.New(rand.NewSource(time.Now().UnixNano())).Int())
	password := "smoke-test-password"

	status, _ := post(client, base+"/v1/auth/signup", map[string]any{
		"email": email, "password": password,
	}, "")
	if status != http.StatusCreated {
		log.Fatalf("signup: status %d", status)
	}

	status, body := post(client, base+"/v1/auth/signin", map[string]any{
		"email": email, "password": password,
	}, "")
	if status != http.StatusOK {
		log.Fatalf("signin: status %d", status)
	}
	var signin struct {
		Token   string `json:"token"`
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &signin); err != nil || signin.Token == "" {
		log.Fatalf("signin: bad payload %s", body)
	}

	status, body = get(client, base+"/v1/participants/self", signin.Token)
	if status != http.StatusOK {
		log.Fatalf("self: status %d", status)
	}
	var self struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &self); err != nil || self.Email != email {
		log.Fatalf("self: bad payload %s", body)
	}

	status, _ = post(client, base+"/v1/participants/self/withdraw", map[string]any{
		"reason": "smoke test",
	}, signin.Token)
	if status != http.StatusOK {
		log.Fatalf("withdraw: status %d", status)
	}

	fmt.Printf("✅ studykit-api smoke test passed: account=%s\n", self.ID)
}

func post(client *http.Client, url string, payload map[string]any, token string) (int, []byte) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func get(client *http.Client, url, token string) (int, []byte) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, []byte) {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}
