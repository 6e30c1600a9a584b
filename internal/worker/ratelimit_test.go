package worker

import "testing"

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1000, 2) // high rate, small burst so saturation is reachable within a test

	if !rl.Allow() {
		t.Fatal("first request within burst should be allowed")
	}
	if !rl.Allow() {
		t.Fatal("second request within burst should be allowed")
	}
}

func TestPerClientRateLimiter_IsolatesClients(t *testing.T) {
	pcrl := NewPerClientRateLimiter(1000, 1)

	if !pcrl.Allow("client-a") {
		t.Error("client-a's first request should be allowed")
	}
	if !pcrl.Allow("client-b") {
		t.Error("client-b's first request should be allowed independently of client-a")
	}
}

func TestPerClientRateLimiter_Stats(t *testing.T) {
	pcrl := NewPerClientRateLimiter(10, 5)
	pcrl.Allow("client-a")
	pcrl.Allow("client-a")

	stats := pcrl.Stats()
	if stats["active_clients"] != 1 {
		t.Errorf("active_clients = %v, want 1", stats["active_clients"])
	}
}
