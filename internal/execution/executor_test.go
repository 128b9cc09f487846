package execution

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"

	"swap-executor/internal/aggregator"
	"swap-executor/internal/chain"
	"swap-executor/internal/keys"
	"swap-executor/internal/rpcpool"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var testBlockhash = solana.MustHashFromBase58("EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N")

func TestExecuteSwap_ScenarioSucceeds(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 2_000_000, fee: 5000}
	fr := newFakeRouter(id.Address())
	fl := &fakeLedger{remaining: math.MaxUint64}

	exec := NewExecutor(fc, fr, id, testPolicy(), nil, WithLedger(fl))
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if !res.Success || res.Error != nil {
		t.Fatalf("expected success, got code=%s err=%v", res.Code, res.Error)
	}
	if res.Code != CodeOK || res.Stage != StageConfirm || res.Fallback {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Signature == "" {
		t.Fatalf("expected a signature")
	}
	if res.Amount != 1_000_000 || res.OutAmount != 990_000 || res.FeeLamports != 5000 {
		t.Fatalf("unexpected amounts: %+v", res)
	}
	if !res.PriceImpactPct.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("unexpected price impact: %s", res.PriceImpactPct)
	}

	sent := fc.sentTransactions()
	if len(sent) != 1 {
		t.Fatalf("expected one submission, got %d", len(sent))
	}
	if sent[0].Signatures[0].String() != res.Signature {
		t.Fatalf("result signature does not match submitted transaction")
	}
	if err := sent[0].VerifySignatures(); err != nil {
		t.Fatalf("submitted transaction not signed by identity: %v", err)
	}

	assertCalls(t, fc.callLog(), "Balance", "SendTransaction", "AwaitConfirmation", "TransactionFee")
	assertCalls(t, fr.callLog(), "Quote", "BuildTransaction")
	if len(fl.records) != 1 || fl.records[0] != 5000 {
		t.Fatalf("expected fee recorded in ledger, got %v", fl.records)
	}
}

func TestExecuteSwap_ConfidenceBelowThresholdMakesNoCalls(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 2_000_000}
	fr := newFakeRouter(id.Address())

	exec := NewExecutor(fc, fr, id, testPolicy(), nil)
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 74,
	})

	if res.Success || !errors.Is(res.Error, ErrConfidenceTooLow) {
		t.Fatalf("expected ErrConfidenceTooLow, got %v", res.Error)
	}
	if res.Code != CodeConfidenceTooLow || res.Stage != StageConfidenceCheck {
		t.Fatalf("unexpected code/stage: %s/%s", res.Code, res.Stage)
	}
	if calls := fc.callLog(); len(calls) != 0 {
		t.Fatalf("expected no chain calls, got %v", calls)
	}
	if calls := fr.callLog(); len(calls) != 0 {
		t.Fatalf("expected no aggregator calls, got %v", calls)
	}
}

func TestExecuteSwap_InsufficientBalanceSkipsRouteFetch(t *testing.T) {
	tests := []struct {
		name   string
		source string
		chain  *fakeChain
		calls  []string
	}{
		{
			name:   "sol below amount plus reserve",
			source: solana.SolMint.String(),
			chain:  &fakeChain{balance: 1_099_999},
			calls:  []string{"Balance"},
		},
		{
			name:   "token balance below amount",
			source: usdcMint,
			chain:  &fakeChain{balance: 2_000_000, tokenBalance: 999_999},
			calls:  []string{"Balance", "TokenBalance"},
		},
		{
			name:   "sol below reserve for token swap",
			source: usdcMint,
			chain:  &fakeChain{balance: 99_999, tokenBalance: 5_000_000},
			calls:  []string{"Balance"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := testIdentity(t)
			fr := newFakeRouter(id.Address())
			dest := usdcMint
			if tt.source == usdcMint {
				dest = solana.SolMint.String()
			}

			exec := NewExecutor(tt.chain, fr, id, testPolicy(), nil)
			res := exec.ExecuteSwap(context.Background(), SwapRequest{
				SourceMint: tt.source,
				DestMint:   dest,
				Amount:     1_000_000,
				Confidence: 90,
			})

			if !errors.Is(res.Error, ErrInsufficientBalance) || res.Code != CodeInsufficientBalance {
				t.Fatalf("expected insufficient balance, got %s %v", res.Code, res.Error)
			}
			if calls := fr.callLog(); len(calls) != 0 {
				t.Fatalf("expected no route fetch, got %v", calls)
			}
			assertCalls(t, tt.chain.callLog(), tt.calls...)
		})
	}
}

func TestExecuteSwap_SubmissionFailureTriggersSingleFallback(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{
		balance:  2_000_000,
		fee:      5000,
		sendErrs: []error{fmt.Errorf("rpcpool: sendTransaction: %w", rpcpool.ErrAllEndpointsExhausted)},
	}
	fr := newFakeRouter(id.Address())

	exec := NewExecutor(fc, fr, id, testPolicy(), nil)
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if !res.Success || !res.Fallback || res.Code != CodeFallback {
		t.Fatalf("expected fallback success, got %+v", res)
	}
	if res.Amount != 1_000_000 {
		t.Fatalf("expected requested amount 1000000, got %d", res.Amount)
	}
	if res.FallbackSignature == "" || res.FallbackSignature == res.Signature {
		t.Fatalf("expected distinct fallback signature, got %q (swap %q)", res.FallbackSignature, res.Signature)
	}
	if res.Stage != StageFallbackTransfer {
		t.Fatalf("unexpected stage %s", res.Stage)
	}

	sent := fc.sentTransactions()
	if len(sent) != 2 {
		t.Fatalf("expected swap plus one fallback submission, got %d", len(sent))
	}
	if got := transferLamports(t, sent[1]); got != 100 {
		t.Fatalf("expected fallback of 100 lamports, got %d", got)
	}
	assertCalls(t, fr.callLog(), "Quote", "BuildTransaction")
	assertCalls(t, fc.callLog(),
		"Balance", "SendTransaction", "LatestBlockhash", "SendTransaction", "AwaitConfirmation", "TransactionFee")
}

func TestExecuteSwap_FallbackFailureIsAttemptedOnce(t *testing.T) {
	id := testIdentity(t)
	submitErr := fmt.Errorf("rpcpool: sendTransaction: %w", rpcpool.ErrAllEndpointsExhausted)
	fc := &fakeChain{
		balance:  2_000_000,
		sendErrs: []error{submitErr, submitErr, submitErr},
	}
	fr := newFakeRouter(id.Address())

	exec := NewExecutor(fc, fr, id, testPolicy(), nil)
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if res.Success || !res.Fallback {
		t.Fatalf("expected failed fallback, got %+v", res)
	}
	if res.Code != CodeSubmissionFailed || !errors.Is(res.Error, ErrSubmissionFailed) {
		t.Fatalf("expected submission failure, got %s %v", res.Code, res.Error)
	}
	if res.Amount != 1_000_000 {
		t.Fatalf("expected requested amount, got %d", res.Amount)
	}
	if n := fc.count("SendTransaction"); n != 2 {
		t.Fatalf("expected exactly two submissions, got %d", n)
	}
}

func TestExecuteSwap_RouteFailureFallsBack(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 2_000_000, fee: 5000}
	fr := newFakeRouter(id.Address())
	fr.quoteErr = fmt.Errorf("%w: COULD_NOT_FIND_ANY_ROUTE", aggregator.ErrNoRouteAvailable)

	exec := NewExecutor(fc, fr, id, testPolicy(), nil)
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     5_000,
		Confidence: 80,
	})

	if !res.Success || !res.Fallback || res.Signature != "" {
		t.Fatalf("expected fallback-only success, got %+v", res)
	}
	if !strings.Contains(strings.Join(res.Notes, "\n"), "route_fetch") {
		t.Fatalf("expected notes to name the failed stage, got %v", res.Notes)
	}
	assertCalls(t, fr.callLog(), "Quote")
	if got := transferLamports(t, fc.sentTransactions()[0]); got != 1 {
		t.Fatalf("expected minimum fallback of 1 lamport, got %d", got)
	}
}

func TestExecuteSwap_OnChainErrorIsTerminal(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{
		balance:     2_000_000,
		fee:         5000,
		confirmErrs: []error{fmt.Errorf("%w: InstructionError", chain.ErrOnChainExecution)},
	}
	fr := newFakeRouter(id.Address())
	fl := &fakeLedger{remaining: math.MaxUint64}

	exec := NewExecutor(fc, fr, id, testPolicy(), nil, WithLedger(fl))
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if res.Success || res.Fallback || res.Code != CodeOnChainExecution {
		t.Fatalf("expected terminal on-chain failure, got %+v", res)
	}
	if res.Signature == "" || res.FeeLamports != 5000 {
		t.Fatalf("expected signature and fee on failure, got %+v", res)
	}
	if n := fc.count("SendTransaction"); n != 1 {
		t.Fatalf("expected no resubmission, got %d submissions", n)
	}
	if len(fl.records) != 1 {
		t.Fatalf("expected fee of reverted transaction recorded, got %v", fl.records)
	}
}

func TestExecuteSwap_ConfirmationTimeoutReportsSignature(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{
		balance:     2_000_000,
		confirmErrs: []error{fmt.Errorf("%w: pending", chain.ErrConfirmationTimeout)},
	}
	fr := newFakeRouter(id.Address())

	exec := NewExecutor(fc, fr, id, testPolicy(), nil)
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if res.Success || res.Fallback || res.Code != CodeConfirmationTimeout {
		t.Fatalf("expected confirmation timeout, got %+v", res)
	}
	if res.Signature == "" {
		t.Fatalf("expected signature for later reconciliation")
	}
	if res.FeeLamports != 5000+1000 {
		t.Fatalf("expected estimated fee 6000, got %d", res.FeeLamports)
	}
	if n := fc.count("TransactionFee"); n != 0 {
		t.Fatalf("expected no fee lookup for ambiguous transaction, got %d", n)
	}
}

func TestExecuteSwap_FeeBudgetExhausted(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 2_000_000}
	fr := newFakeRouter(id.Address())
	fl := &fakeLedger{remaining: 9_999}

	exec := NewExecutor(fc, fr, id, testPolicy(), nil, WithLedger(fl))
	res := exec.ExecuteSwap(context.Background(), SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if !errors.Is(res.Error, ErrFeeBudgetExhausted) || res.Code != CodeFeeBudgetExhausted {
		t.Fatalf("expected fee budget rejection, got %s %v", res.Code, res.Error)
	}
	if calls := fr.callLog(); len(calls) != 0 {
		t.Fatalf("expected no aggregator calls, got %v", calls)
	}
}

func TestExecuteSwap_InvalidRequests(t *testing.T) {
	sol := solana.SolMint.String()
	tests := []struct {
		name string
		req  SwapRequest
	}{
		{"zero amount", SwapRequest{SourceMint: sol, DestMint: usdcMint, Amount: 0, Confidence: 90}},
		{"same mint", SwapRequest{SourceMint: sol, DestMint: sol, Amount: 10, Confidence: 90}},
		{"bad source", SwapRequest{SourceMint: "not-a-mint", DestMint: usdcMint, Amount: 10, Confidence: 90}},
		{"bad dest", SwapRequest{SourceMint: sol, DestMint: "", Amount: 10, Confidence: 90}},
		{"confidence above range", SwapRequest{SourceMint: sol, DestMint: usdcMint, Amount: 10, Confidence: 100.5}},
		{"negative confidence", SwapRequest{SourceMint: sol, DestMint: usdcMint, Amount: 10, Confidence: -1}},
		{"nan confidence", SwapRequest{SourceMint: sol, DestMint: usdcMint, Amount: 10, Confidence: math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := testIdentity(t)
			fc := &fakeChain{balance: 2_000_000}
			fr := newFakeRouter(id.Address())

			res := NewExecutor(fc, fr, id, testPolicy(), nil).ExecuteSwap(context.Background(), tt.req)
			if !errors.Is(res.Error, ErrInvalidRequest) || res.Code != CodeInvalidRequest {
				t.Fatalf("expected invalid request, got %s %v", res.Code, res.Error)
			}
			if res.ErrorMessage == "" {
				t.Fatalf("expected error message on result")
			}
			if len(fc.callLog())+len(fr.callLog()) != 0 {
				t.Fatalf("expected no calls for invalid request")
			}
		})
	}
}

func TestExecuteSwap_CanceledBeforeSubmit(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 2_000_000}
	fr := newFakeRouter(id.Address())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewExecutor(fc, fr, id, testPolicy(), nil).ExecuteSwap(ctx, SwapRequest{
		SourceMint: solana.SolMint.String(),
		DestMint:   usdcMint,
		Amount:     1_000_000,
		Confidence: 90,
	})

	if res.Success || res.Code != CodeCanceled {
		t.Fatalf("expected canceled result, got %s %v", res.Code, res.Error)
	}
	if n := fc.count("SendTransaction"); n != 0 {
		t.Fatalf("expected no submission after cancellation, got %d", n)
	}
}

func TestExecuteSwap_SerializesSubmissionsPerIdentity(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{balance: 100_000_000, fee: 5000, trackOverlap: true}
	fr := newFakeRouter(id.Address())
	exec := NewExecutor(fc, fr, id, testPolicy(), nil)

	var wg sync.WaitGroup
	results := make([]ExecutionResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exec.ExecuteSwap(context.Background(), SwapRequest{
				SourceMint: solana.SolMint.String(),
				DestMint:   usdcMint,
				Amount:     1_000_000,
				Confidence: 90,
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Fatalf("execution %d failed: %v", i, res.Error)
		}
	}
	if fc.maxInFlight() != 1 {
		t.Fatalf("expected serialized submit/confirm, saw %d in flight", fc.maxInFlight())
	}
}

func TestReconcile(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{}
	exec := NewExecutor(fc, newFakeRouter(id.Address()), id, testPolicy(), nil)

	if _, err := exec.Reconcile(context.Background(), "%%%"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	sig := solana.Signature{1, 2, 3}
	status, err := exec.Reconcile(context.Background(), sig.String())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if !status.Found || status.Signature != sig {
		t.Fatalf("unexpected status: %+v", status)
	}
	assertCalls(t, fc.callLog(), "SignatureStatus")
}

func TestRecentActivity_UsesWalletAddress(t *testing.T) {
	id := testIdentity(t)
	fc := &fakeChain{}
	exec := NewExecutor(fc, newFakeRouter(id.Address()), id, testPolicy(), nil)

	got, err := exec.RecentActivity(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentActivity returned error: %v", err)
	}
	if len(got) != 1 || fc.historyOwner != id.Address() || fc.historyLimit != 5 {
		t.Fatalf("unexpected history query: owner=%s limit=%d", fc.historyOwner, fc.historyLimit)
	}
}

func testPolicy() Policy {
	return Policy{
		MinReserveLamports:     100_000,
		MaxFeeLamports:         10_000,
		DailyFeeBudgetLamports: 1_000_000,
		SlippageBps:            50,
		MaxPriceImpactPct:      5,
	}
}

func testIdentity(t *testing.T) *keys.Identity {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i*11 + 5)
	}
	id, err := keys.Load(hex.EncodeToString(seed), nil)
	if err != nil {
		t.Fatalf("keys.Load returned error: %v", err)
	}
	t.Cleanup(id.Destroy)
	return id
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls: got %v want %v", got, want)
	}
}

func transferLamports(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	if len(tx.Message.Instructions) != 1 {
		t.Fatalf("expected single instruction, got %d", len(tx.Message.Instructions))
	}
	data := tx.Message.Instructions[0].Data
	if len(data) != 12 || binary.LittleEndian.Uint32(data[:4]) != system.Instruction_Transfer {
		t.Fatalf("expected system transfer, got %x", []byte(data))
	}
	from := tx.Message.AccountKeys[0]
	to := tx.Message.AccountKeys[tx.Message.Instructions[0].Accounts[1]]
	if !from.Equals(to) {
		t.Fatalf("expected self-transfer, got %s -> %s", from, to)
	}
	return binary.LittleEndian.Uint64(data[4:])
}

type fakeChain struct {
	mu    sync.Mutex
	calls []string

	balance      uint64
	tokenBalance uint64
	fee          uint64
	sendErrs     []error
	confirmErrs  []error
	sent         []*solana.Transaction
	confirms     int

	trackOverlap bool
	inFlight     int
	peak         int

	historyOwner solana.PublicKey
	historyLimit int
}

func (f *fakeChain) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChain) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChain) count(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeChain) sentTransactions() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

func (f *fakeChain) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeChain) Balance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	f.record("Balance")
	return f.balance, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	f.record("TokenBalance")
	return f.tokenBalance, nil
}

func (f *fakeChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	f.record("LatestBlockhash")
	return testBlockhash, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.record("SendTransaction")
	f.mu.Lock()
	idx := len(f.sent)
	f.sent = append(f.sent, tx)
	if f.trackOverlap {
		f.inFlight++
		if f.inFlight > f.peak {
			f.peak = f.inFlight
		}
	}
	f.mu.Unlock()

	if f.trackOverlap {
		time.Sleep(2 * time.Millisecond)
	}

	var err error
	if idx < len(f.sendErrs) {
		err = f.sendErrs[idx]
	}
	if err != nil && f.trackOverlap {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
	return tx.Signatures[0], err
}

func (f *fakeChain) SignatureStatus(ctx context.Context, sig solana.Signature) (chain.Status, error) {
	f.record("SignatureStatus")
	return chain.Status{Signature: sig, Found: true, ConfirmationStatus: "confirmed"}, nil
}

func (f *fakeChain) AwaitConfirmation(ctx context.Context, sig solana.Signature) (chain.Status, error) {
	f.record("AwaitConfirmation")
	f.mu.Lock()
	idx := f.confirms
	f.confirms++
	if f.trackOverlap {
		f.inFlight--
	}
	f.mu.Unlock()

	if idx < len(f.confirmErrs) && f.confirmErrs[idx] != nil {
		return chain.Status{Signature: sig}, f.confirmErrs[idx]
	}
	return chain.Status{Signature: sig, Found: true, ConfirmationStatus: "confirmed"}, nil
}

func (f *fakeChain) TransactionFee(ctx context.Context, sig solana.Signature) (uint64, error) {
	f.record("TransactionFee")
	return f.fee, nil
}

func (f *fakeChain) RecentSignatures(ctx context.Context, owner solana.PublicKey, limit int) ([]chain.SignatureInfo, error) {
	f.record("RecentSignatures")
	f.mu.Lock()
	f.historyOwner = owner
	f.historyLimit = limit
	f.mu.Unlock()
	return []chain.SignatureInfo{{Signature: "sig", Slot: 42}}, nil
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []string

	signer   solana.PublicKey
	quoteErr error
	buildErr error
}

func newFakeRouter(signer solana.PublicKey) *fakeRouter {
	return &fakeRouter{signer: signer}
}

func (f *fakeRouter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRouter) Quote(ctx context.Context, req aggregator.QuoteRequest) (aggregator.Route, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "Quote")
	f.mu.Unlock()
	if f.quoteErr != nil {
		return aggregator.Route{}, f.quoteErr
	}
	return aggregator.Route{
		InputMint:      req.InputMint,
		OutputMint:     req.OutputMint,
		InAmount:       req.Amount,
		OutAmount:      990_000,
		MinOutAmount:   985_050,
		SlippageBps:    req.SlippageBps,
		PriceImpactPct: decimal.RequireFromString("0.005"),
		Venues:         []string{"Orca"},
	}, nil
}

func (f *fakeRouter) BuildTransaction(ctx context.Context, route aggregator.Route, signer solana.PublicKey) (aggregator.SwapTransaction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "BuildTransaction")
	f.mu.Unlock()
	if f.buildErr != nil {
		return aggregator.SwapTransaction{}, f.buildErr
	}

	recipient := solana.MustPublicKeyFromBase58(usdcMint)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(route.InAmount, signer, recipient).Build()},
		testBlockhash,
		solana.TransactionPayer(signer),
	)
	if err != nil {
		return aggregator.SwapTransaction{}, err
	}
	return aggregator.SwapTransaction{Transaction: tx, PrioritizationFeeLamports: 1000}, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	remaining uint64
	records   []uint64
}

func (f *fakeLedger) Remaining(ctx context.Context, ts time.Time, budget uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > budget {
		return budget, nil
	}
	return f.remaining, nil
}

func (f *fakeLedger) Record(ctx context.Context, ts time.Time, signature string, fee uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, fee)
	return nil
}
