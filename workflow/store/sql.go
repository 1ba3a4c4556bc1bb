package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/state"
)

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings (lease expiry checks run in SQL).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// sqlStore holds the query logic shared by SQLiteStore and MySQLStore.
// Both drivers use ? placeholders; the compare-and-set paths use
// conditional UPDATEs checked via RowsAffected, which behaves the same
// on both backends.
type sqlStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateApplication implements Store.
func (s *sqlStore) CreateApplication(ctx context.Context, ownerID string, form FormData) (*Application, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ts := s.now()
	app := &Application{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Form:      form,
		State:     state.Draft,
		Progress:  0,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications
		(id, owner_id, full_name, national_id, phone, email, state, progress, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		app.ID, ownerID, form.FullName, form.NationalID, form.Phone, form.Email,
		string(app.State), app.Progress, fmtTime(ts), fmtTime(ts))
	if err != nil {
		return nil, fmt.Errorf("insert application: %w", err)
	}

	if err := insertStepTx(ctx, tx, app.ID, StepInput{Name: "APPLICATION_CREATED", Message: "application created"}, state.Draft, state.Draft, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return app, nil
}

// insertStepTx writes a journal record inside tx, computing the next
// sequence. The caller holds the application row lock via a prior
// UPDATE, which serializes sequence assignment.
func insertStepTx(ctx context.Context, tx *sql.Tx, appID string, in StepInput, from, to state.State, ts time.Time) error {
	status := in.Status
	if status == "" {
		status = StepCompleted
	}
	attempt := in.Attempt
	if attempt == 0 {
		attempt = 1
	}
	var payloadJSON sql.NullString
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return fmt.Errorf("marshal step payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_steps WHERE application_id = ?`,
		appID).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps
		(id, application_id, sequence, step_name, from_state, to_state, status, message, payload, started_at, completed_at, duration_ms, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), appID, seq, in.Name, string(from), string(to), status,
		in.Message, payloadJSON, fmtTime(ts), fmtTime(ts), in.DurationMS, attempt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// AttachDocument implements Store.
func (s *sqlStore) AttachDocument(ctx context.Context, appID string, spec DocumentSpec) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ts := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Touching updated_at first takes the row lock.
	res, err := tx.ExecContext(ctx,
		`UPDATE applications SET updated_at = ? WHERE id = ?`, fmtTime(ts), appID)
	if err != nil {
		return nil, fmt.Errorf("lock application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var st string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM applications WHERE id = ?`, appID).Scan(&st); err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if !attachStates[state.State(st)] {
		return nil, fmt.Errorf("%w: attach in %s", ErrInvalidState, st)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE application_id = ? AND kind = ?`, appID, spec.Kind); err != nil {
		return nil, fmt.Errorf("replace document: %w", err)
	}

	doc := &Document{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		Kind:          spec.Kind,
		Filename:      spec.Filename,
		ByteSize:      spec.ByteSize,
		ContentType:   spec.ContentType,
		StorageHandle: spec.StorageHandle,
		OCRStatus:     StagePending,
		ExtractStatus: StagePending,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents
		(id, application_id, kind, filename, byte_size, content_type, storage_handle,
		 ocr_status, ocr_text, ocr_confidence, ocr_error, ocr_attempt,
		 extract_status, extract_fields, extract_confidence, extract_error, extract_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, '', 0, ?, NULL, 0, '', 0)`,
		doc.ID, appID, spec.Kind, spec.Filename, spec.ByteSize, spec.ContentType,
		spec.StorageHandle, StagePending, StagePending)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

// Transition implements Store.
func (s *sqlStore) Transition(ctx context.Context, appID string, expectedFrom, to state.State, step StepInput) (*WorkflowStep, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !state.CanTransition(expectedFrom, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expectedFrom, to)
	}
	ts := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The conditional UPDATE is the compare-and-set: zero rows means
	// either the application is gone or another worker moved it first.
	query := `UPDATE applications SET state = ?, updated_at = ?`
	args := []interface{}{string(to), fmtTime(ts)}
	if p, ok := state.Progress(to); ok {
		query += `, progress = ?`
		args = append(args, p)
	}
	switch {
	case to == state.FormSubmitted:
		query += `, submitted_at = COALESCE(submitted_at, ?)`
		args = append(args, fmtTime(ts))
	case to == state.DecisionCompleted:
		query += `, processed_at = ?`
		args = append(args, fmtTime(ts))
	case state.IsTerminal(to) && to != state.Cancelled:
		query += `, decided_at = ?`
		args = append(args, fmtTime(ts))
	}
	query += ` WHERE id = ? AND state = ?`
	args = append(args, appID, string(expectedFrom))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT state FROM applications WHERE id = ?`, appID).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read state: %w", err)
		}
		return nil, fmt.Errorf("%w: expected %s, have %s", ErrConflict, expectedFrom, current)
	}

	if err := insertStepTx(ctx, tx, appID, step, expectedFrom, to, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	done := ts
	status := step.Status
	if status == "" {
		status = StepCompleted
	}
	attempt := step.Attempt
	if attempt == 0 {
		attempt = 1
	}
	return &WorkflowStep{
		ApplicationID: appID,
		StepName:      step.Name,
		FromState:     expectedFrom,
		ToState:       to,
		Status:        status,
		Message:       step.Message,
		Payload:       step.Payload,
		StartedAt:     ts,
		CompletedAt:   &done,
		DurationMS:    step.DurationMS,
		Attempt:       attempt,
	}, nil
}

// AppendStep implements Store.
func (s *sqlStore) AppendStep(ctx context.Context, appID string, step StepInput) (*WorkflowStep, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ts := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE applications SET updated_at = ? WHERE id = ?`, fmtTime(ts), appID)
	if err != nil {
		return nil, fmt.Errorf("lock application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	var st string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM applications WHERE id = ?`, appID).Scan(&st); err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	cur := state.State(st)
	if err := insertStepTx(ctx, tx, appID, step, cur, cur, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	done := ts
	return &WorkflowStep{
		ApplicationID: appID,
		StepName:      step.Name,
		FromState:     cur,
		ToState:       cur,
		Status:        step.Status,
		Message:       step.Message,
		Payload:       step.Payload,
		StartedAt:     ts,
		CompletedAt:   &done,
	}, nil
}

// AcquireLease implements Store.
func (s *sqlStore) AcquireLease(ctx context.Context, appID, workerID string, ttl time.Duration) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ts := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET lease_worker = ?, lease_acquired_at = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_worker IS NULL OR lease_worker = ? OR lease_expires_at < ?)`,
		workerID, fmtTime(ts), fmtTime(ts.Add(ttl)), appID, workerID, fmtTime(ts))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications WHERE id = ?`, appID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check application: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// ReleaseLease implements Store.
func (s *sqlStore) ReleaseLease(ctx context.Context, appID, workerID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET lease_worker = NULL, lease_acquired_at = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_worker = ?`, appID, workerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// RequestCancel implements Store.
func (s *sqlStore) RequestCancel(ctx context.Context, appID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		fmtTime(s.now()), appID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDocumentStage implements Store.
func (s *sqlStore) UpdateDocumentStage(ctx context.Context, docID string, upd StageUpdate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	// The attempt guard in the WHERE clause enforces write-once per
	// (document, stage, attempt). Zero rows affected is either the
	// idempotent no-op or a missing document.
	var (
		res sql.Result
		err error
	)
	switch upd.Stage {
	case StageOCR:
		if upd.Status == StageCompleted {
			res, err = s.db.ExecContext(ctx, `
				UPDATE documents
				SET ocr_status = ?, ocr_attempt = ?, ocr_error = ?, ocr_text = ?, ocr_confidence = ?
				WHERE id = ? AND (ocr_attempt < ? OR (ocr_attempt = ? AND ocr_status NOT IN (?, ?)))`,
				upd.Status, upd.Attempt, upd.Error, upd.Text, upd.Confidence,
				docID, upd.Attempt, upd.Attempt, StageCompleted, StageFailed)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE documents
				SET ocr_status = ?, ocr_attempt = ?, ocr_error = ?
				WHERE id = ? AND (ocr_attempt < ? OR (ocr_attempt = ? AND ocr_status NOT IN (?, ?)))`,
				upd.Status, upd.Attempt, upd.Error,
				docID, upd.Attempt, upd.Attempt, StageCompleted, StageFailed)
		}
	case StageExtract:
		if upd.Status == StageCompleted {
			var fieldsJSON sql.NullString
			if upd.Fields != nil {
				b, merr := json.Marshal(upd.Fields)
				if merr != nil {
					return fmt.Errorf("marshal extracted fields: %w", merr)
				}
				fieldsJSON = sql.NullString{String: string(b), Valid: true}
			}
			res, err = s.db.ExecContext(ctx, `
				UPDATE documents
				SET extract_status = ?, extract_attempt = ?, extract_error = ?, extract_fields = ?, extract_confidence = ?
				WHERE id = ? AND (extract_attempt < ? OR (extract_attempt = ? AND extract_status NOT IN (?, ?)))`,
				upd.Status, upd.Attempt, upd.Error, fieldsJSON, upd.Confidence,
				docID, upd.Attempt, upd.Attempt, StageCompleted, StageFailed)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE documents
				SET extract_status = ?, extract_attempt = ?, extract_error = ?
				WHERE id = ? AND (extract_attempt < ? OR (extract_attempt = ? AND extract_status NOT IN (?, ?)))`,
				upd.Status, upd.Attempt, upd.Error,
				docID, upd.Attempt, upd.Attempt, StageCompleted, StageFailed)
		}
	default:
		return fmt.Errorf("unknown stage %q", upd.Stage)
	}
	if err != nil {
		return fmt.Errorf("update document stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE id = ?`, docID).Scan(&exists); err != nil {
			return fmt.Errorf("check document: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// RecordDecision implements Store.
func (s *sqlStore) RecordDecision(ctx context.Context, appID string, d Decision) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ts := d.DecidedAt
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE application_id = ?`, appID).Scan(&count); err != nil {
		return fmt.Errorf("check decision: %w", err)
	}
	if count > 0 {
		return nil
	}

	var st string
	err = tx.QueryRowContext(ctx, `SELECT state FROM applications WHERE id = ?`, appID).Scan(&st)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if state.State(st) != state.MakingDecision {
		return fmt.Errorf("%w: decision in %s", ErrInvalidState, st)
	}

	var benefit sql.NullInt64
	if d.BenefitAmount != nil {
		benefit = sql.NullInt64{Int64: *d.BenefitAmount, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (application_id, outcome, confidence, reasoning, benefit_amount, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		appID, string(d.Outcome), d.Confidence, d.Reasoning, benefit, fmtTime(ts))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *sqlStore) Load(ctx context.Context, appID string) (*Application, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanApplication(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, full_name, national_id, phone, email, state, progress, cancel_requested,
		       lease_worker, lease_acquired_at, lease_expires_at,
		       created_at, submitted_at, processed_at, decided_at, updated_at
		FROM applications WHERE id = ?`, appID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*Application, error) {
	var (
		app                                          Application
		st                                           string
		cancel                                       int
		leaseWorker, leaseAcq, leaseExp              sql.NullString
		createdAt, updatedAt                         string
		submittedAt, processedAt, decidedAt          sql.NullString
	)
	err := row.Scan(&app.ID, &app.OwnerID, &app.Form.FullName, &app.Form.NationalID,
		&app.Form.Phone, &app.Form.Email, &st, &app.Progress, &cancel,
		&leaseWorker, &leaseAcq, &leaseExp,
		&createdAt, &submittedAt, &processedAt, &decidedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan application: %w", err)
	}
	app.State = state.State(st)
	app.CancelRequested = cancel != 0
	app.CreatedAt = parseTime(createdAt)
	app.UpdatedAt = parseTime(updatedAt)
	if leaseWorker.Valid {
		app.Lease = &Lease{
			WorkerID:   leaseWorker.String,
			AcquiredAt: parseTime(leaseAcq.String),
			ExpiresAt:  parseTime(leaseExp.String),
		}
	}
	for _, p := range []struct {
		src sql.NullString
		dst **time.Time
	}{{submittedAt, &app.SubmittedAt}, {processedAt, &app.ProcessedAt}, {decidedAt, &app.DecidedAt}} {
		if p.src.Valid {
			t := parseTime(p.src.String)
			*p.dst = &t
		}
	}
	return &app, nil
}

// LoadFull implements Store.
func (s *sqlStore) LoadFull(ctx context.Context, appID string) (*Snapshot, error) {
	app, err := s.Load(ctx, appID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Application: *app}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, filename, byte_size, content_type, storage_handle,
		       ocr_status, ocr_text, ocr_confidence, ocr_error, ocr_attempt,
		       extract_status, extract_fields, extract_confidence, extract_error, extract_attempt
		FROM documents WHERE application_id = ? ORDER BY kind`, appID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			d      Document
			fields sql.NullString
		)
		d.ApplicationID = appID
		if err := rows.Scan(&d.ID, &d.Kind, &d.Filename, &d.ByteSize, &d.ContentType,
			&d.StorageHandle, &d.OCRStatus, &d.OCRText, &d.OCRConfidence, &d.OCRError,
			&d.OCRAttempt, &d.ExtractStatus, &fields, &d.ExtractConfidence,
			&d.ExtractError, &d.ExtractAttempt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &d.ExtractedFields); err != nil {
				return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
			}
		}
		snap.Documents = append(snap.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	stepRows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, step_name, from_state, to_state, status, message, payload,
		       started_at, completed_at, duration_ms, attempt
		FROM workflow_steps WHERE application_id = ? ORDER BY sequence`, appID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = stepRows.Close() }()
	for stepRows.Next() {
		var (
			st                 WorkflowStep
			from, to           string
			payload, completed sql.NullString
			started            string
		)
		st.ApplicationID = appID
		if err := stepRows.Scan(&st.ID, &st.Sequence, &st.StepName, &from, &to, &st.Status,
			&st.Message, &payload, &started, &completed, &st.DurationMS, &st.Attempt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.FromState = state.State(from)
		st.ToState = state.State(to)
		st.StartedAt = parseTime(started)
		if completed.Valid {
			t := parseTime(completed.String)
			st.CompletedAt = &t
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &st.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal step payload: %w", err)
			}
		}
		snap.Steps = append(snap.Steps, st)
	}
	if err := stepRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	var (
		d         Decision
		outcome   string
		benefit   sql.NullInt64
		decidedAt string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT outcome, confidence, reasoning, benefit_amount, decided_at
		FROM decisions WHERE application_id = ?`, appID).
		Scan(&outcome, &d.Confidence, &d.Reasoning, &benefit, &decidedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("query decision: %w", err)
	default:
		d.ApplicationID = appID
		d.Outcome = decision.Outcome(outcome)
		d.DecidedAt = parseTime(decidedAt)
		if benefit.Valid {
			v := benefit.Int64
			d.BenefitAmount = &v
		}
		snap.Decision = &d
	}
	return snap, nil
}

// DeleteApplication implements Store.
func (s *sqlStore) DeleteApplication(ctx context.Context, appID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, appID)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM documents WHERE application_id = ?`,
		`DELETE FROM workflow_steps WHERE application_id = ?`,
		`DELETE FROM decisions WHERE application_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, appID); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Double-close is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
