package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blinkpos-broker/internal/intent"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/lightningnetwork/lnd/clock"
)

// MemoryStore is an in-memory implementation of intent.Store and
// intent.EventStore. It honours the same conditional-update semantics as the
// Postgres repository under a single mutex, which is enough to linearise
// TryClaim for local development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock

	processingGrace time.Duration

	intents map[string]*intent.PaymentIntent
	events  map[string][]intent.Event
}

func NewMemoryStore(clk clock.Clock, processingGrace time.Duration) *MemoryStore {
	return &MemoryStore{
		clock:           clk,
		processingGrace: processingGrace,
		intents:         make(map[string]*intent.PaymentIntent),
		events:          make(map[string][]intent.Event),
	}
}

var (
	_ intent.Store      = (*MemoryStore)(nil)
	_ intent.EventStore = (*MemoryStore)(nil)
)

// snapshot deep-copies an intent so callers never share the stored struct.
func snapshot(it *intent.PaymentIntent) (*intent.PaymentIntent, error) {
	var out intent.PaymentIntent
	if err := copier.CopyWithOption(&out, it, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to copy intent: %w", err)
	}
	return &out, nil
}

func (s *MemoryStore) Insert(_ context.Context, it *intent.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[it.PaymentHash]; ok {
		return intent.ErrDuplicate
	}

	stored, err := snapshot(it)
	if err != nil {
		return err
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]string)
	}
	s.intents[it.PaymentHash] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, paymentHash string) (*intent.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[paymentHash]
	if !ok {
		return nil, intent.ErrNotFound
	}
	return snapshot(it)
}

func (s *MemoryStore) TryClaim(_ context.Context, paymentHash string, claimMeta map[string]string) (intent.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[paymentHash]
	if !ok {
		return intent.ClaimResult{Outcome: intent.ClaimNotFound}, nil
	}

	if it.Status.IsTerminal() {
		return intent.ClaimResult{Outcome: intent.ClaimAlreadyTerminal, Status: it.Status}, nil
	}
	if it.Status != intent.Pending {
		return intent.ClaimResult{Outcome: intent.ClaimAlreadyProcessing, Status: it.Status}, nil
	}

	now := s.clock.Now().UTC()
	it.Status = intent.Processing
	it.ProcessedAt = &now
	for k, v := range claimMeta {
		it.Metadata[k] = v
	}

	claimed, err := snapshot(it)
	if err != nil {
		return intent.ClaimResult{}, err
	}
	return intent.ClaimResult{Outcome: intent.ClaimGranted, Intent: claimed, Status: claimed.Status}, nil
}

func (s *MemoryStore) Release(_ context.Context, paymentHash string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[paymentHash]
	if !ok || it.Status != intent.Processing {
		return false, nil
	}

	it.Status = intent.Pending
	it.ProcessedAt = nil
	it.Metadata[intent.MetaLastError] = errMsg
	it.Metadata[intent.MetaLastFailedAt] = s.clock.Now().UTC().Format(time.RFC3339)
	return true, nil
}

func (s *MemoryStore) MarkStatus(_ context.Context, paymentHash string, status intent.Status, metaPatch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[paymentHash]
	if !ok {
		return intent.ErrNotFound
	}

	it.Status = status
	if status == intent.Completed || status == intent.Failed {
		now := s.clock.Now().UTC()
		it.ProcessedAt = &now
	}
	for k, v := range metaPatch {
		it.Metadata[k] = v
	}
	return nil
}

func (s *MemoryStore) ExpireBefore(_ context.Context, ts time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	graceCutoff := ts.Add(-s.processingGrace)

	var hashes []string
	for hash, it := range s.intents {
		if it.Status != intent.Pending && it.Status != intent.Processing {
			continue
		}
		if !it.ExpiresAt.Before(ts) {
			continue
		}
		if it.Status == intent.Processing && it.ProcessedAt != nil && it.ProcessedAt.After(graceCutoff) {
			continue
		}
		it.Status = intent.Expired
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (s *MemoryStore) Stats(_ context.Context, window time.Duration) (intent.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.clock.Now().UTC().Add(-window)
	stats := intent.Stats{CountsByStatus: make(map[string]int64)}
	for _, it := range s.intents {
		if it.CreatedAt.Before(since) {
			continue
		}
		stats.CountsByStatus[it.Status.String()]++
		stats.TotalAmountSat += it.TotalAmountSats
		stats.TipAmountSat += it.TipAmountSats
	}
	return stats, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev intent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now().UTC()
	}
	s.events[ev.PaymentHash] = append(s.events[ev.PaymentHash], ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, paymentHash string) ([]intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]intent.Event, len(s.events[paymentHash]))
	copy(events, s.events[paymentHash])
	return events, nil
}
