package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/civistack/benefitflow/stage"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/upstream/mock"
	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

const testOwner = "owner-1"

type env struct {
	st    *store.MemStore
	q     *queue.MemQueue
	blobs *storage.MemStore
	ocr   *mock.OCR
	ext   *mock.Extract
	dec   *mock.Decision
	eng   *Engine
}

// newEnv wires an engine over in-memory collaborators. With handlers
// the queue drives the pipeline end to end; without, tests call the
// completion path directly for deterministic interleavings. A single
// queue worker keeps the scripted OCR responses in document order.
func newEnv(t *testing.T, handlers bool) *env {
	t.Helper()
	e := &env{
		st:    store.NewMemStore(),
		blobs: storage.NewMemStore(),
		ocr:   &mock.OCR{},
		ext:   &mock.Extract{},
		dec:   &mock.Decision{},
	}
	e.q = queue.NewMemQueue(queue.WithWorkers(1))
	e.eng = New(e.st, e.q, e.blobs, Upstreams{OCR: e.ocr, Extract: e.ext, Decision: e.dec},
		WithConfig(Config{
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
		}),
		WithWorkerID("test-worker"),
	)
	if handlers {
		if err := e.eng.RegisterHandlers(); err != nil {
			t.Fatalf("register handlers: %v", err)
		}
	}
	t.Cleanup(func() { e.q.Close() })
	return e
}

func (e *env) start(t *testing.T) *store.Application {
	t.Helper()
	app, err := e.eng.StartApplication(context.Background(), testOwner, validForm())
	if err != nil {
		t.Fatalf("start application: %v", err)
	}
	return app
}

func (e *env) upload(t *testing.T, appID string) []store.Document {
	t.Helper()
	ctx := context.Background()
	specs := make([]store.DocumentSpec, 0, len(store.Kinds))
	for _, kind := range store.Kinds {
		handle, err := e.blobs.Put(ctx, strings.NewReader("%PDF-1.4 "+kind),
			storage.Metadata{Filename: kind + ".pdf", ContentType: "application/pdf"})
		if err != nil {
			t.Fatalf("put blob: %v", err)
		}
		specs = append(specs, store.DocumentSpec{
			Kind:          kind,
			Filename:      kind + ".pdf",
			ByteSize:      1024,
			ContentType:   "application/pdf",
			StorageHandle: handle,
		})
	}
	docs, _, err := e.eng.UploadDocuments(ctx, testOwner, appID, specs)
	if err != nil {
		t.Fatalf("upload documents: %v", err)
	}
	return docs
}

func (e *env) awaitState(t *testing.T, appID string, want state.State) *store.Application {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		app, err := e.st.Load(context.Background(), appID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if app.State == want {
			return app
		}
		if state.IsTerminal(app.State) {
			t.Fatalf("reached terminal %s while waiting for %s", app.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s", want)
	return nil
}

func countSteps(snap *store.Snapshot, name string) int {
	n := 0
	for _, st := range snap.Steps {
		if st.StepName == name {
			n++
		}
	}
	return n
}

func goodOCR(text string) mock.OCRResponse {
	return mock.OCRResponse{Result: upstream.OCRResult{Text: text, Confidence: 0.95, Pages: 1}}
}

func bankFields(income, balance float64) map[string]interface{} {
	return map[string]interface{}{
		"monthly_income":  income,
		"closing_balance": balance,
		"confidence":      0.9,
	}
}

func idFields() map[string]interface{} {
	return map[string]interface{}{
		"full_name":   "Amina Haddad",
		"national_id": "A1234567",
		"confidence":  0.9,
	}
}

func TestPipelineApproved(t *testing.T) {
	e := newEnv(t, true)
	e.ocr.Responses = []mock.OCRResponse{goodOCR("statement"), goodOCR("identity")}
	e.ext.ByKind = map[string][]mock.ExtractResponse{
		store.KindBankStatement: {{Fields: bankFields(2000, 800)}},
		store.KindIdentityCard:  {{Fields: idFields()}},
	}
	amount := int64(2000)
	e.dec.Responses = []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "APPROVED", Confidence: 0.85, Reasoning: "income within threshold", BenefitAmount: &amount,
	}}}

	app := e.start(t)
	e.upload(t, app.ID)
	if _, _, err := e.eng.BeginProcessing(context.Background(), testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}

	final := e.awaitState(t, app.ID, state.Approved)
	if final.Progress != 100 {
		t.Fatalf("progress = %d, want 100", final.Progress)
	}

	snap, err := e.st.LoadFull(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("load full: %v", err)
	}
	if snap.Decision == nil {
		t.Fatal("expected a recorded decision")
	}
	if snap.Decision.Outcome != decision.Approved {
		t.Fatalf("outcome = %s, want APPROVED", snap.Decision.Outcome)
	}
	if snap.Decision.BenefitAmount == nil || *snap.Decision.BenefitAmount != 2000 {
		t.Fatalf("benefit = %v, want 2000", snap.Decision.BenefitAmount)
	}
	if snap.Decision.Confidence != 0.85 {
		t.Fatalf("confidence = %v, want 0.85", snap.Decision.Confidence)
	}
	for _, name := range []string{"FORM_SUBMITTED", "DOCUMENTS_UPLOADED", "SCANNING_DOCUMENTS",
		"OCR_COMPLETED", "ANALYZING", "ANALYSIS_COMPLETED", "MAKING_DECISION", "DECISION_COMPLETED"} {
		if countSteps(snap, name) != 1 {
			t.Fatalf("step %s appears %d times, want 1", name, countSteps(snap, name))
		}
	}
	for _, d := range snap.Documents {
		if d.OCRStatus != store.StageCompleted || d.ExtractStatus != store.StageCompleted {
			t.Fatalf("document %s stages = %s/%s, want COMPLETED/COMPLETED", d.Kind, d.OCRStatus, d.ExtractStatus)
		}
	}

	report, err := e.eng.Status(context.Background(), testOwner, app.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.NextAction != ActionCompleted || report.CanRetry {
		t.Fatalf("report = %+v, want completed and no retry", report)
	}
	if report.PartialResults.Decision == nil || report.PartialResults.BankExtract == nil {
		t.Fatal("expected decision and bank extract in partial results")
	}
}

func TestPipelineRejected(t *testing.T) {
	e := newEnv(t, true)
	e.ocr.Responses = []mock.OCRResponse{goodOCR("statement"), goodOCR("identity")}
	e.ext.ByKind = map[string][]mock.ExtractResponse{
		store.KindBankStatement: {{Fields: bankFields(6000, 12000)}},
		store.KindIdentityCard:  {{Fields: idFields()}},
	}
	e.dec.Responses = []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "REJECTED", Confidence: 0.9, Reasoning: "income exceeds threshold",
	}}}

	app := e.start(t)
	e.upload(t, app.ID)
	if _, _, err := e.eng.BeginProcessing(context.Background(), testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	e.awaitState(t, app.ID, state.Rejected)

	snap, _ := e.st.LoadFull(context.Background(), app.ID)
	if snap.Decision.Outcome != decision.Rejected {
		t.Fatalf("outcome = %s, want REJECTED", snap.Decision.Outcome)
	}
	if snap.Decision.BenefitAmount != nil {
		t.Fatalf("rejected decision carries benefit %d", *snap.Decision.BenefitAmount)
	}
}

// One document fails its stage permanently; the pipeline continues
// with the rest and lands in manual review instead of failing whole.
func TestPipelinePartialSuccess(t *testing.T) {
	e := newEnv(t, true)
	// Bank statement OCR yields nothing; identity card reads fine.
	e.ocr.Responses = []mock.OCRResponse{
		{Result: upstream.OCRResult{Text: "", Confidence: 0, Pages: 0}},
		goodOCR("identity"),
	}
	e.ext.ByKind = map[string][]mock.ExtractResponse{
		store.KindIdentityCard: {{Fields: idFields()}},
	}
	e.dec.Responses = []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "NEEDS_REVIEW", Confidence: 0.4, Reasoning: "missing financial documents",
	}}}

	app := e.start(t)
	e.upload(t, app.ID)
	if _, _, err := e.eng.BeginProcessing(context.Background(), testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	e.awaitState(t, app.ID, state.NeedsReview)

	snap, _ := e.st.LoadFull(context.Background(), app.ID)
	bank := snap.DocumentByKind(store.KindBankStatement)
	if bank.OCRStatus != store.StageFailed {
		t.Fatalf("bank OCR status = %s, want FAILED", bank.OCRStatus)
	}
	if bank.OCRError == "" {
		t.Fatal("expected a recorded OCR error on the bank statement")
	}
	// Empty results are not retryable; exactly one upstream call.
	if got := e.ocr.Calls; got != 2 {
		t.Fatalf("ocr calls = %d, want 2", got)
	}
	id := snap.DocumentByKind(store.KindIdentityCard)
	if id.ExtractStatus != store.StageCompleted {
		t.Fatalf("identity extract status = %s, want COMPLETED", id.ExtractStatus)
	}
	if snap.Decision == nil || snap.Decision.Outcome != decision.NeedsReview {
		t.Fatalf("decision = %+v, want NEEDS_REVIEW", snap.Decision)
	}

	report, err := e.eng.Status(context.Background(), testOwner, app.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.PartialResults.IDExtract == nil || report.PartialResults.BankExtract != nil {
		t.Fatal("expected identity extract only in partial results")
	}
}

func TestPipelineTransientRetrySucceeds(t *testing.T) {
	e := newEnv(t, true)
	// Both documents hit a flaky upstream on their first attempt. The
	// single queue worker interleaves the retries after the first pass,
	// so the script is ordered first-attempts then second-attempts.
	e.ocr.Responses = []mock.OCRResponse{
		{Err: upstream.ErrRateLimited},
		{Err: upstream.ErrUnavailable},
		goodOCR("statement"),
		goodOCR("identity"),
	}
	e.ext.ByKind = map[string][]mock.ExtractResponse{
		store.KindBankStatement: {{Fields: bankFields(2000, 800)}},
		store.KindIdentityCard:  {{Fields: idFields()}},
	}
	amount := int64(1800)
	e.dec.Responses = []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "APPROVED", Confidence: 0.9, Reasoning: "ok", BenefitAmount: &amount,
	}}}

	app := e.start(t)
	e.upload(t, app.ID)
	if _, _, err := e.eng.BeginProcessing(context.Background(), testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	e.awaitState(t, app.ID, state.Approved)

	if e.ocr.Calls != 4 {
		t.Fatalf("ocr calls = %d, want 4 (one retry per document)", e.ocr.Calls)
	}
	snap, _ := e.st.LoadFull(context.Background(), app.ID)
	for _, d := range snap.Documents {
		if d.OCRAttempt != 2 {
			t.Fatalf("document %s OCR attempt = %d, want 2", d.Kind, d.OCRAttempt)
		}
	}
}

func TestPipelineAllOCRFailedThenForceRetry(t *testing.T) {
	e := newEnv(t, true)
	// First run: both documents unreadable. After the retry both scan.
	e.ocr.Responses = []mock.OCRResponse{
		{Result: upstream.OCRResult{}},
		{Result: upstream.OCRResult{}},
		goodOCR("statement"),
		goodOCR("identity"),
	}
	e.ext.ByKind = map[string][]mock.ExtractResponse{
		store.KindBankStatement: {{Fields: bankFields(2000, 800)}},
		store.KindIdentityCard:  {{Fields: idFields()}},
	}
	amount := int64(2100)
	e.dec.Responses = []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "APPROVED", Confidence: 0.9, Reasoning: "ok", BenefitAmount: &amount,
	}}}

	app := e.start(t)
	e.upload(t, app.ID)
	ctx := context.Background()
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	failed := e.awaitState(t, app.ID, state.ProcessingFailed)
	// Progress survives the failure for the UI.
	if failed.Progress != 40 {
		t.Fatalf("progress after failure = %d, want 40", failed.Progress)
	}

	// Restarting without the retry flag is rejected.
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("restart without force_retry: err = %v, want ErrInvalidState", err)
	}

	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, true); err != nil {
		t.Fatalf("force retry: %v", err)
	}
	e.awaitState(t, app.ID, state.Approved)

	snap, _ := e.st.LoadFull(ctx, app.ID)
	for _, d := range snap.Documents {
		if d.OCRAttempt != 2 || d.OCRStatus != store.StageCompleted {
			t.Fatalf("document %s after retry: attempt %d status %s", d.Kind, d.OCRAttempt, d.OCRStatus)
		}
	}
	if countSteps(snap, "ALL_OCR_FAILED") != 1 || countSteps(snap, "SCANNING_DOCUMENTS") != 2 {
		t.Fatalf("unexpected journal: %+v", snap.Steps)
	}
}

func TestBeginProcessingWhileRunning(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	e.upload(t, app.ID)
	ctx := context.Background()
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second begin: err = %v, want ErrAlreadyRunning", err)
	}
}

// Cancellation while jobs are in flight sets the flag only; the next
// completion acknowledges it at a safe point and keeps the late result.
func TestCancelWhileRunning(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	docs := e.upload(t, app.ID)
	ctx := context.Background()
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}

	got, err := e.eng.Cancel(ctx, testOwner, app.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != state.ScanningDocuments || !got.CancelRequested {
		t.Fatalf("after cancel request: state=%s flag=%v", got.State, got.CancelRequested)
	}

	// A stage result arriving after the request is persisted, then the
	// cancel is acknowledged instead of advancing.
	err = e.eng.HandleStageCompletion(ctx, app.ID, StageResult{
		Stage:      store.StageOCR,
		DocumentID: docs[0].ID,
		Attempt:    1,
		OCR:        &upstream.OCRResult{Text: "late result", Confidence: 0.9, Pages: 1},
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	snap, _ := e.st.LoadFull(ctx, app.ID)
	if snap.Application.State != state.Cancelled {
		t.Fatalf("state = %s, want CANCELLED", snap.Application.State)
	}
	if d := snap.DocumentByID(docs[0].ID); d.OCRStatus != store.StageCompleted || d.OCRText != "late result" {
		t.Fatalf("late OCR result not persisted: %+v", d)
	}
	if snap.Decision != nil {
		t.Fatal("cancelled application must not carry a decision")
	}

	// Terminal now; cancelling again is refused.
	if _, err := e.eng.Cancel(ctx, testOwner, app.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("cancel terminal: err = %v, want ErrTerminal", err)
	}
}

func TestCancelBeforeProcessing(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	got, err := e.eng.Cancel(context.Background(), testOwner, app.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != state.Cancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}
}

// Two workers deliver both OCR results at once; the lease plus the
// transition CAS must let exactly one of them advance the application.
func TestConcurrentCompletionSingleAdvance(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	docs := e.upload(t, app.ID)
	ctx := context.Background()
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(docID string) {
			defer wg.Done()
			err := e.eng.HandleStageCompletion(ctx, app.ID, StageResult{
				Stage:      store.StageOCR,
				DocumentID: docID,
				Attempt:    1,
				OCR:        &upstream.OCRResult{Text: "scanned", Confidence: 0.9, Pages: 1},
			})
			if err != nil {
				t.Errorf("handle completion: %v", err)
			}
		}(d.ID)
	}
	wg.Wait()

	// Whichever goroutine saw both results advances through ANALYZING;
	// the loser either finds the lease held or loses the CAS.
	e.awaitState(t, app.ID, state.Analyzing)
	snap, _ := e.st.LoadFull(ctx, app.ID)
	if n := countSteps(snap, "OCR_COMPLETED"); n != 1 {
		t.Fatalf("OCR_COMPLETED appears %d times, want 1", n)
	}
	if n := countSteps(snap, "ANALYZING"); n != 1 {
		t.Fatalf("ANALYZING appears %d times, want 1", n)
	}
}

// leaseAuditStore wraps the store and tracks how many distinct holders
// believe they hold an application's lease at once.
type leaseAuditStore struct {
	*store.MemStore
	mu      sync.Mutex
	holders map[string]struct{}
	peak    int
}

func newLeaseAuditStore() *leaseAuditStore {
	return &leaseAuditStore{MemStore: store.NewMemStore(), holders: map[string]struct{}{}}
}

func (s *leaseAuditStore) AcquireLease(ctx context.Context, appID, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.MemStore.AcquireLease(ctx, appID, holder, ttl)
	if ok {
		s.mu.Lock()
		s.holders[holder] = struct{}{}
		if n := len(s.holders); n > s.peak {
			s.peak = n
		}
		s.mu.Unlock()
	}
	return ok, err
}

func (s *leaseAuditStore) ReleaseLease(ctx context.Context, appID, holder string) error {
	err := s.MemStore.ReleaseLease(ctx, appID, holder)
	s.mu.Lock()
	delete(s.holders, holder)
	s.mu.Unlock()
	return err
}

func (s *leaseAuditStore) peakHolders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// The store treats a same-holder acquire as a renewal, so completions
// leasing under a shared worker id would all succeed at once. Each
// invocation must lease under its own identity; with two completions
// racing, at most one may hold the lease at any moment.
func TestConcurrentCompletionsExcludeEachOther(t *testing.T) {
	st := newLeaseAuditStore()
	q := queue.NewMemQueue(queue.WithWorkers(1))
	defer q.Close()
	blobs := storage.NewMemStore()
	eng := New(st, q, blobs, Upstreams{OCR: &mock.OCR{}, Extract: &mock.Extract{}, Decision: &mock.Decision{}},
		WithConfig(Config{
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
		}),
		WithWorkerID("test-worker"),
	)

	ctx := context.Background()
	app, err := eng.StartApplication(ctx, testOwner, validForm())
	if err != nil {
		t.Fatalf("start application: %v", err)
	}
	var docs []store.Document
	for _, kind := range store.Kinds {
		handle, err := blobs.Put(ctx, strings.NewReader("%PDF-1.4 "+kind),
			storage.Metadata{Filename: kind + ".pdf", ContentType: "application/pdf"})
		if err != nil {
			t.Fatalf("put blob: %v", err)
		}
		got, _, err := eng.UploadDocuments(ctx, testOwner, app.ID, []store.DocumentSpec{{
			Kind: kind, Filename: kind + ".pdf", ByteSize: 1024,
			ContentType: "application/pdf", StorageHandle: handle,
		}})
		if err != nil {
			t.Fatalf("upload %s: %v", kind, err)
		}
		docs = append(docs, got...)
	}
	if _, _, err := eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(docID string) {
			defer wg.Done()
			err := eng.HandleStageCompletion(ctx, app.ID, StageResult{
				Stage:      store.StageOCR,
				DocumentID: docID,
				Attempt:    1,
				OCR:        &upstream.OCRResult{Text: "scanned", Confidence: 0.9, Pages: 1},
			})
			if err != nil {
				t.Errorf("handle completion: %v", err)
			}
		}(d.ID)
	}
	wg.Wait()

	if peak := st.peakHolders(); peak != 1 {
		t.Fatalf("peak concurrent lease holders = %d, want 1", peak)
	}
	snap, _ := st.LoadFull(ctx, app.ID)
	if n := countSteps(snap, "OCR_COMPLETED"); n != 1 {
		t.Fatalf("OCR_COMPLETED appears %d times, want 1", n)
	}
}

// A redelivered completion for an attempt that already landed must not
// duplicate journal entries or overwrite stage output.
func TestStageCompletionIdempotent(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	docs := e.upload(t, app.ID)
	ctx := context.Background()
	if _, _, err := e.eng.BeginProcessing(ctx, testOwner, app.ID, false); err != nil {
		t.Fatalf("begin processing: %v", err)
	}

	res := StageResult{
		Stage:      store.StageOCR,
		DocumentID: docs[0].ID,
		Attempt:    1,
		OCR:        &upstream.OCRResult{Text: "first delivery", Confidence: 0.9, Pages: 1},
	}
	if err := e.eng.HandleStageCompletion(ctx, app.ID, res); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before, _ := e.st.LoadFull(ctx, app.ID)

	res.OCR = &upstream.OCRResult{Text: "second delivery", Confidence: 0.1, Pages: 1}
	if err := e.eng.HandleStageCompletion(ctx, app.ID, res); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	after, _ := e.st.LoadFull(ctx, app.ID)

	if len(after.Steps) != len(before.Steps) {
		t.Fatalf("duplicate delivery grew the journal: %d -> %d", len(before.Steps), len(after.Steps))
	}
	if d := after.DocumentByID(docs[0].ID); d.OCRText != "first delivery" {
		t.Fatalf("duplicate delivery overwrote stage output: %q", d.OCRText)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	ctx := context.Background()

	if _, err := e.eng.Status(ctx, "intruder", app.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("status: err = %v, want ErrNotOwner", err)
	}
	if _, _, err := e.eng.BeginProcessing(ctx, "intruder", app.ID, false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("process: err = %v, want ErrNotOwner", err)
	}
	if _, err := e.eng.Cancel(ctx, "intruder", app.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("cancel: err = %v, want ErrNotOwner", err)
	}
	// Empty owner is the administrative bypass.
	if _, err := e.eng.Status(ctx, "", app.ID); err != nil {
		t.Fatalf("admin status: %v", err)
	}
}

func TestResetReentersFormSubmitted(t *testing.T) {
	e := newEnv(t, false)
	app := e.start(t)
	ctx := context.Background()
	if _, err := e.eng.Cancel(ctx, testOwner, app.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := e.eng.Reset(ctx, app.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got.State != state.FormSubmitted {
		t.Fatalf("state = %s, want FORM_SUBMITTED", got.State)
	}
	// Reset on a non-terminal application is refused.
	if _, err := e.eng.Reset(ctx, app.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second reset: err = %v, want ErrInvalidState", err)
	}

	snap, _ := e.st.LoadFull(ctx, app.ID)
	if countSteps(snap, "ADMIN_RESET") != 1 {
		t.Fatal("reset must be journaled")
	}
}

func TestStartApplicationRejectsBadForm(t *testing.T) {
	e := newEnv(t, false)
	form := validForm()
	form.Email = "nope"
	_, err := e.eng.StartApplication(context.Background(), testOwner, form)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestUnsupportedContentTypeFailsStage(t *testing.T) {
	if stage.SupportedContentType("application/pdf") != true {
		t.Fatal("pdf must be supported")
	}
	if stage.SupportedContentType("application/zip") {
		t.Fatal("zip must not be supported")
	}
}
