package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-engine/utils"
)

// SandboxGateway approves every charge after a short settle delay so
// the full hold -> result -> confirm path can be exercised without
// gateway credentials. Development only.
type SandboxGateway struct {
	SettleAfter time.Duration

	mu      sync.Mutex
	charges map[string]*ChargeStatus
	results chan *ChargeStatus
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		SettleAfter: 2 * time.Second,
		charges:     make(map[string]*ChargeStatus),
	}
}

func (g *SandboxGateway) CreateCharge(ctx context.Context, req *ChargeRequest) (string, error) {
	code, err := utils.GenerateCode(6)
	if err != nil {
		return "", err
	}
	ref := fmt.Sprintf("sandbox-%s-%s", req.BookingID, code)

	g.mu.Lock()
	g.charges[ref] = &ChargeStatus{
		Ref:       ref,
		BookingID: req.BookingID,
		State:     ChargePending,
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	g.mu.Unlock()

	go g.settle(ref)
	return ref, nil
}

func (g *SandboxGateway) settle(ref string) {
	time.Sleep(g.SettleAfter)

	g.mu.Lock()
	st, ok := g.charges[ref]
	if !ok || st.State != ChargePending {
		g.mu.Unlock()
		return
	}
	st.State = ChargePaid
	st.PaidAt = time.Now()
	results := g.results
	g.mu.Unlock()

	if results != nil {
		results <- st
	}
}

func (g *SandboxGateway) VerifyCharge(ctx context.Context, ref string) (*ChargeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.charges[ref]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown charge %s", ref)
	}
	out := *st
	return &out, nil
}

func (g *SandboxGateway) SetResultChannel(ch chan *ChargeStatus) {
	g.mu.Lock()
	g.results = ch
	g.mu.Unlock()
}

func (g *SandboxGateway) Close(ctx context.Context) error { return nil }
