package lottery

import (
	"errors"
	"reflect"
	"testing"

	"tokenlottery/internal/models"
)

const (
	testAuthority = "authority"
	testRef       = "req-1"
)

func uptr(v uint64) *uint64 { return &v }

func committedRequest(ref string, committedAt, maturesAt uint64) *models.RandomnessRequest {
	return &models.RandomnessRequest{
		Ref:           ref,
		QueueRef:      "queue",
		CreatedAt:     committedAt,
		CommittedAt:   uptr(committedAt),
		MaturesAtSlot: maturesAt,
	}
}

func revealedRequest(ref string, maturesAt, value uint64) *models.RandomnessRequest {
	req := committedRequest(ref, maturesAt-1, maturesAt)
	req.RevealedValue = uptr(value)
	return req
}

func selling(t *testing.T) Lottery {
	t.Helper()
	l, err := New("lot").InitializeConfig(testAuthority, "", 100, 120, 10)
	if err != nil {
		t.Fatalf("InitializeConfig() error: %v", err)
	}
	l, err = l.InitializeLottery(testAuthority)
	if err != nil {
		t.Fatalf("InitializeLottery() error: %v", err)
	}
	return l
}

func buy(t *testing.T, l Lottery, buyer string, slot uint64) (Lottery, models.TicketRecord) {
	t.Helper()
	next, ticket, err := l.BuyTicket(buyer, 10, slot)
	if err != nil {
		t.Fatalf("BuyTicket(%s) error: %v", buyer, err)
	}
	return next, ticket
}

func TestLottery_HappyPath(t *testing.T) {
	l := selling(t)

	var tickets []models.TicketRecord
	for _, buyer := range []string{"alice", "bob", "carol"} {
		var ticket models.TicketRecord
		l, ticket = buy(t, l, buyer, 105)
		tickets = append(tickets, ticket)
	}
	for i, ticket := range tickets {
		if ticket.Index != uint64(i) {
			t.Errorf("ticket %d index = %d; want %d", i, ticket.Index, i)
		}
	}
	if l.State.VaultBalance != 30 {
		t.Fatalf("VaultBalance = %d; want 30", l.State.VaultBalance)
	}

	l, err := l.CommitRandomness(testRef, committedRequest(testRef, 106, 110), 106)
	if err != nil {
		t.Fatalf("CommitRandomness() error: %v", err)
	}
	if l.State.Phase != models.PhaseRandomnessCommitted {
		t.Fatalf("Phase = %s; want randomness_committed", l.State.Phase)
	}

	l, err = l.RevealWinner(revealedRequest(testRef, 110, 7), 120)
	if err != nil {
		t.Fatalf("RevealWinner() error: %v", err)
	}
	if l.State.WinningIndex == nil || *l.State.WinningIndex != 1 {
		t.Fatalf("WinningIndex = %v; want 1", l.State.WinningIndex)
	}

	l, payout, err := l.ClaimWinnings("bob", &tickets[1])
	if err != nil {
		t.Fatalf("ClaimWinnings() error: %v", err)
	}
	if payout != 30 {
		t.Errorf("payout = %d; want 30", payout)
	}
	if l.State.VaultBalance != 0 {
		t.Errorf("VaultBalance after claim = %d; want 0", l.State.VaultBalance)
	}

	for _, claimant := range []string{"bob", "alice"} {
		_, _, err := l.ClaimWinnings(claimant, &tickets[1])
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("second claim by %s error = %v; want ErrAlreadyClaimed", claimant, err)
		}
	}
}

func TestLottery_InitializeConfig(t *testing.T) {
	t.Run("Invalid window", func(t *testing.T) {
		for _, window := range [][2]uint64{{120, 100}, {100, 100}, {1, models.MaxStored + 1}} {
			_, err := New("lot").InitializeConfig("a", "", window[0], window[1], 10)
			if !errors.Is(err, ErrInvalidWindow) {
				t.Errorf("window %v error = %v; want ErrInvalidWindow", window, err)
			}
		}
	})

	t.Run("Invalid price", func(t *testing.T) {
		for _, price := range []uint64{0, 1 << 63, ^uint64(0)} {
			_, err := New("lot").InitializeConfig("a", "", 100, 120, price)
			if !errors.Is(err, ErrInvalidPrice) {
				t.Errorf("price %d error = %v; want ErrInvalidPrice", price, err)
			}
		}
	})

	t.Run("Largest storable values", func(t *testing.T) {
		l, err := New("lot").InitializeConfig("a", "", 0, models.MaxStored, models.MaxStored)
		if err != nil {
			t.Fatalf("InitializeConfig() error: %v", err)
		}
		if l.Config.EndSlot != models.MaxStored || l.Config.TicketPrice != models.MaxStored {
			t.Errorf("Config = %+v", l.Config)
		}
	})

	t.Run("Caller becomes authority", func(t *testing.T) {
		l, err := New("lot").InitializeConfig("a", "", 100, 120, 10)
		if err != nil {
			t.Fatalf("InitializeConfig() error: %v", err)
		}
		if l.Config.Authority != "a" {
			t.Errorf("Authority = %s; want a", l.Config.Authority)
		}
		if l.State.Phase != models.PhaseUninitialized {
			t.Errorf("Phase = %s; want uninitialized", l.State.Phase)
		}
	})

	t.Run("Designated authority only", func(t *testing.T) {
		_, err := New("lot").InitializeConfig("mallory", testAuthority, 100, 120, 10)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("error = %v; want ErrUnauthorized", err)
		}
	})

	t.Run("Only once", func(t *testing.T) {
		l, _ := New("lot").InitializeConfig("a", "", 100, 120, 10)
		_, err := l.InitializeConfig("a", "", 100, 130, 10)
		if !errors.Is(err, ErrAlreadyInitialized) {
			t.Errorf("error = %v; want ErrAlreadyInitialized", err)
		}
	})
}

func TestLottery_InitializeLottery(t *testing.T) {
	t.Run("Requires configuration", func(t *testing.T) {
		_, err := New("lot").InitializeLottery(testAuthority)
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("error = %v; want ErrNotConfigured", err)
		}
	})

	t.Run("Authority only", func(t *testing.T) {
		l, _ := New("lot").InitializeConfig(testAuthority, "", 100, 120, 10)
		_, err := l.InitializeLottery("mallory")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("error = %v; want ErrUnauthorized", err)
		}
	})

	t.Run("Creates the ticket collection", func(t *testing.T) {
		if got := selling(t).State.Collection; got != models.CollectionID("lot") {
			t.Errorf("Collection = %q; want %q", got, models.CollectionID("lot"))
		}
	})

	t.Run("Only once", func(t *testing.T) {
		_, err := selling(t).InitializeLottery(testAuthority)
		if !errors.Is(err, ErrAlreadyInitialized) {
			t.Errorf("error = %v; want ErrAlreadyInitialized", err)
		}
	})
}

func TestLottery_BuyTicket(t *testing.T) {
	t.Run("Sale window is half-open", func(t *testing.T) {
		l := selling(t)
		for _, slot := range []uint64{99, 120, 121} {
			_, _, err := l.BuyTicket("alice", 10, slot)
			if !errors.Is(err, ErrSaleClosed) {
				t.Errorf("slot %d error = %v; want ErrSaleClosed", slot, err)
			}
		}
		for _, slot := range []uint64{100, 119} {
			if _, _, err := l.BuyTicket("alice", 10, slot); err != nil {
				t.Errorf("slot %d error = %v; want nil", slot, err)
			}
		}
	})

	t.Run("Wrong phase before opening", func(t *testing.T) {
		l, _ := New("lot").InitializeConfig(testAuthority, "", 100, 120, 10)
		_, _, err := l.BuyTicket("alice", 10, 105)
		if !errors.Is(err, ErrWrongPhase) {
			t.Errorf("error = %v; want ErrWrongPhase", err)
		}
	})

	t.Run("Sale closed even while still selling", func(t *testing.T) {
		l, _ := buy(t, selling(t), "alice", 105)
		_, _, err := l.BuyTicket("bob", 10, 120)
		if !errors.Is(err, ErrSaleClosed) {
			t.Errorf("error = %v; want ErrSaleClosed", err)
		}
		if l.State.Phase != models.PhaseSelling {
			t.Errorf("Phase = %s; want selling", l.State.Phase)
		}
	})

	t.Run("Insufficient payment", func(t *testing.T) {
		_, _, err := selling(t).BuyTicket("alice", 9, 105)
		if !errors.Is(err, ErrInsufficientPayment) {
			t.Errorf("error = %v; want ErrInsufficientPayment", err)
		}
	})

	t.Run("Overpayment charges the ticket price", func(t *testing.T) {
		l, _, err := selling(t).BuyTicket("alice", 25, 105)
		if err != nil {
			t.Fatalf("BuyTicket() error: %v", err)
		}
		if l.State.VaultBalance != 10 {
			t.Errorf("VaultBalance = %d; want 10", l.State.VaultBalance)
		}
	})

	t.Run("Dense indices and balance", func(t *testing.T) {
		l := selling(t)
		const n = 50
		for i := 0; i < n; i++ {
			var ticket models.TicketRecord
			l, ticket = buy(t, l, "buyer", 100+uint64(i%20))
			if ticket.Index != uint64(i) {
				t.Fatalf("ticket index = %d; want %d", ticket.Index, i)
			}
		}
		if l.State.TotalTickets != n {
			t.Errorf("TotalTickets = %d; want %d", l.State.TotalTickets, n)
		}
		if l.State.VaultBalance != n*10 {
			t.Errorf("VaultBalance = %d; want %d", l.State.VaultBalance, n*10)
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		for _, balance := range []uint64{^uint64(0) - 5, models.MaxStored - 5} {
			l := selling(t)
			l.State.VaultBalance = balance
			_, _, err := l.BuyTicket("alice", 10, 105)
			if !errors.Is(err, ErrOverflow) {
				t.Errorf("balance %d error = %v; want ErrOverflow", balance, err)
			}
		}
	})

	t.Run("Service accounts cannot buy", func(t *testing.T) {
		l := selling(t)
		for _, buyer := range []string{models.VaultAccount("lot"), models.CollectionID("lot")} {
			next, _, err := l.BuyTicket(buyer, 10, 105)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("buyer %s error = %v; want ErrUnauthorized", buyer, err)
			}
			if next.State.VaultBalance != 0 || next.State.TotalTickets != 0 {
				t.Errorf("buyer %s changed state: %+v", buyer, next.State)
			}
		}
	})
}

func TestLottery_CommitRandomness(t *testing.T) {
	t.Run("Unknown request", func(t *testing.T) {
		l := selling(t)
		for _, req := range []*models.RandomnessRequest{nil, committedRequest("other", 105, 110)} {
			_, err := l.CommitRandomness(testRef, req, 105)
			if !errors.Is(err, ErrUnknownRequest) {
				t.Errorf("error = %v; want ErrUnknownRequest", err)
			}
		}
	})

	t.Run("Stale request", func(t *testing.T) {
		l := selling(t)
		uncommitted := &models.RandomnessRequest{Ref: testRef}
		if _, err := l.CommitRandomness(testRef, uncommitted, 105); !errors.Is(err, ErrStaleRandomness) {
			t.Errorf("uncommitted error = %v; want ErrStaleRandomness", err)
		}
		if _, err := l.CommitRandomness(testRef, revealedRequest(testRef, 104, 1), 105); !errors.Is(err, ErrStaleRandomness) {
			t.Errorf("revealed error = %v; want ErrStaleRandomness", err)
		}
	})

	t.Run("Commit allowed during sale, tickets still sold after", func(t *testing.T) {
		l, err := selling(t).CommitRandomness(testRef, committedRequest(testRef, 101, 110), 101)
		if err != nil {
			t.Fatalf("CommitRandomness() error: %v", err)
		}
		_, _, err = l.BuyTicket("alice", 10, 105)
		if !errors.Is(err, ErrWrongPhase) {
			t.Errorf("BuyTicket after commit error = %v; want ErrWrongPhase", err)
		}
	})

	t.Run("Only once", func(t *testing.T) {
		l, _ := selling(t).CommitRandomness(testRef, committedRequest(testRef, 101, 110), 101)
		_, err := l.CommitRandomness("req-2", committedRequest("req-2", 102, 110), 102)
		if !errors.Is(err, ErrAlreadyCommitted) {
			t.Errorf("error = %v; want ErrAlreadyCommitted", err)
		}
		if l.State.RandomnessRef != testRef {
			t.Errorf("RandomnessRef = %s; want %s", l.State.RandomnessRef, testRef)
		}
	})

	t.Run("Wrong phase", func(t *testing.T) {
		l, _ := New("lot").InitializeConfig(testAuthority, "", 100, 120, 10)
		_, err := l.CommitRandomness(testRef, committedRequest(testRef, 101, 110), 101)
		if !errors.Is(err, ErrWrongPhase) {
			t.Errorf("error = %v; want ErrWrongPhase", err)
		}
	})
}

func TestLottery_RevealWinner(t *testing.T) {
	committed := func(t *testing.T, buyers int) Lottery {
		l := selling(t)
		for i := 0; i < buyers; i++ {
			l, _ = buy(t, l, "buyer", 105)
		}
		l, err := l.CommitRandomness(testRef, committedRequest(testRef, 106, 110), 106)
		if err != nil {
			t.Fatalf("CommitRandomness() error: %v", err)
		}
		return l
	}

	t.Run("Premature reveal", func(t *testing.T) {
		_, err := committed(t, 3).RevealWinner(revealedRequest(testRef, 110, 7), 110)
		if !errors.Is(err, ErrTooEarly) {
			t.Errorf("error = %v; want ErrTooEarly", err)
		}
		var guard *GuardError
		if !errors.As(err, &guard) || guard.Slot != 110 || guard.Phase != models.PhaseRandomnessCommitted {
			t.Errorf("guard = %+v; want slot 110 in randomness_committed", guard)
		}
		if !Retryable(err) {
			t.Error("TooEarly should be retryable")
		}
	})

	t.Run("Oracle not matured", func(t *testing.T) {
		l := committed(t, 3)
		if _, err := l.RevealWinner(committedRequest(testRef, 106, 110), 125); !errors.Is(err, ErrTooEarly) {
			t.Errorf("unrevealed error = %v; want ErrTooEarly", err)
		}
		if _, err := l.RevealWinner(revealedRequest(testRef, 130, 7), 125); !errors.Is(err, ErrTooEarly) {
			t.Errorf("immature error = %v; want ErrTooEarly", err)
		}
	})

	t.Run("No tickets", func(t *testing.T) {
		_, err := committed(t, 0).RevealWinner(revealedRequest(testRef, 110, 7), 120)
		if !errors.Is(err, ErrNoTickets) {
			t.Errorf("error = %v; want ErrNoTickets", err)
		}
	})

	t.Run("Wrong phase", func(t *testing.T) {
		_, err := selling(t).RevealWinner(revealedRequest(testRef, 110, 7), 120)
		if !errors.Is(err, ErrWrongPhase) {
			t.Errorf("error = %v; want ErrWrongPhase", err)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		l := committed(t, 7)
		for _, value := range []uint64{0, 6, 7, 1 << 40, ^uint64(0)} {
			a, err := l.RevealWinner(revealedRequest(testRef, 110, value), 120)
			if err != nil {
				t.Fatalf("RevealWinner() error: %v", err)
			}
			b, _ := l.RevealWinner(revealedRequest(testRef, 110, value), 140)
			if *a.State.WinningIndex != *b.State.WinningIndex {
				t.Errorf("value %d: %d != %d", value, *a.State.WinningIndex, *b.State.WinningIndex)
			}
			if *a.State.WinningIndex >= 7 {
				t.Errorf("value %d: index %d out of range", value, *a.State.WinningIndex)
			}
		}
	})
}

func TestLottery_ClaimWinnings(t *testing.T) {
	l := selling(t)
	l, alice := buy(t, l, "alice", 105)
	l, bob := buy(t, l, "bob", 105)
	l, _ = l.CommitRandomness(testRef, committedRequest(testRef, 106, 110), 106)

	t.Run("Before reveal", func(t *testing.T) {
		_, _, err := l.ClaimWinnings("alice", &alice)
		if !errors.Is(err, ErrWrongPhase) {
			t.Errorf("error = %v; want ErrWrongPhase", err)
		}
	})

	revealed, err := l.RevealWinner(revealedRequest(testRef, 110, 4), 121)
	if err != nil {
		t.Fatalf("RevealWinner() error: %v", err)
	}

	t.Run("Not the winner", func(t *testing.T) {
		if _, _, err := revealed.ClaimWinnings("bob", &bob); !errors.Is(err, ErrNotWinner) {
			t.Errorf("wrong ticket error = %v; want ErrNotWinner", err)
		}
		if _, _, err := revealed.ClaimWinnings("bob", &alice); !errors.Is(err, ErrNotWinner) {
			t.Errorf("foreign ticket error = %v; want ErrNotWinner", err)
		}
		if _, _, err := revealed.ClaimWinnings("alice", nil); !errors.Is(err, ErrNotWinner) {
			t.Errorf("unresolved ticket error = %v; want ErrNotWinner", err)
		}
	})

	t.Run("Winner is paid once", func(t *testing.T) {
		claimed, payout, err := revealed.ClaimWinnings("alice", &alice)
		if err != nil {
			t.Fatalf("ClaimWinnings() error: %v", err)
		}
		if payout != 20 || claimed.State.Payout != 20 {
			t.Errorf("payout = %d; want 20", payout)
		}
		if _, _, err := claimed.ClaimWinnings("alice", &alice); !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("second claim error = %v; want ErrAlreadyClaimed", err)
		}
	})
}

func TestLottery_RejectionLeavesSnapshotUnchanged(t *testing.T) {
	l, _ := buy(t, selling(t), "alice", 105)
	before := l.clone()

	next, _, err := l.BuyTicket("bob", 10, 130)
	if err == nil {
		t.Fatal("expected BuyTicket to fail")
	}
	if !reflect.DeepEqual(next, before) || !reflect.DeepEqual(l, before) {
		t.Errorf("snapshot changed after rejection: %+v", next)
	}

	next, err = l.RevealWinner(nil, 130)
	if err == nil {
		t.Fatal("expected RevealWinner to fail")
	}
	if !reflect.DeepEqual(next, before) {
		t.Errorf("snapshot changed after rejection: %+v", next)
	}
}

func TestLottery_TransitionsDoNotAlias(t *testing.T) {
	l, _ := buy(t, selling(t), "alice", 105)
	l, _ = l.CommitRandomness(testRef, committedRequest(testRef, 106, 110), 106)
	revealed, err := l.RevealWinner(revealedRequest(testRef, 110, 0), 121)
	if err != nil {
		t.Fatalf("RevealWinner() error: %v", err)
	}
	claimed, _, err := revealed.ClaimWinnings("alice", &models.TicketRecord{LotteryID: "lot", Index: 0, Owner: "alice"})
	if err != nil {
		t.Fatalf("ClaimWinnings() error: %v", err)
	}
	*claimed.State.WinningIndex = 42
	claimed.Config.TicketPrice = 1
	if *revealed.State.WinningIndex != 0 || revealed.Config.TicketPrice != 10 {
		t.Error("mutating a successor changed its predecessor")
	}
	if revealed.State.VaultBalance != 10 || revealed.State.Phase != models.PhaseWinnerRevealed {
		t.Errorf("predecessor state changed: %+v", revealed.State)
	}
	if claimed.State.Version <= revealed.State.Version {
		t.Errorf("Version = %d; want > %d", claimed.State.Version, revealed.State.Version)
	}
}
