package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/YaishRiaz/SyncLedger/internal/relay"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestIssueTokenRegistersCreatorInOneTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into groups").WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into devices").WithArgs("d1", "g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select group_id from devices").WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g1"))
	mock.ExpectExec("insert into pairing_tokens").WithArgs(sqlmock.AnyArg(), "g1", "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	token, err := s.IssueToken(context.Background(), "g1", "d1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenConsumesAndRegisters(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update pairing_tokens set used = true").WithArgs("tok", "g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into devices").WithArgs("d2", "g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select group_id from devices").WithArgs("d2").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g1"))
	mock.ExpectCommit()

	gid, err := s.RedeemToken(context.Background(), "tok", "g1", "d2")
	if err != nil {
		t.Fatalf("RedeemToken: %v", err)
	}
	if gid != "g1" {
		t.Fatalf("unexpected group: %s", gid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenLosingRaceFails(t *testing.T) {
	s, mock := newMockStore(t)

	// Zero rows updated: unknown, already used, or wrong group.
	mock.ExpectBegin()
	mock.ExpectExec("update pairing_tokens set used = true").WithArgs("tok", "g1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.RedeemToken(context.Background(), "tok", "g1", "d2")
	if !errors.Is(err, relay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenRollsBackOnRebind(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update pairing_tokens set used = true").WithArgs("tok", "g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into devices").WithArgs("d2", "g1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select group_id from devices").WithArgs("d2").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("other-group"))
	mock.ExpectRollback()

	_, err := s.RedeemToken(context.Background(), "tok", "g1", "d2")
	if !errors.Is(err, relay.ErrDeviceGroupMismatch) {
		t.Fatalf("expected ErrDeviceGroupMismatch, got %v", err)
	}
	// The rollback above must leave the token unconsumed.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPushBatchInOneTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select 1 from devices").WithArgs("d1", "g1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into changes")
	prep.ExpectExec().
		WithArgs("g1", "d1", int64(1), sqlmock.AnyArg(), "expense", "e1", "create", "AB==", "n1", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("g1", "d1", int64(2), int64(42), "expense", "e2", "update", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate seq, ignored
	mock.ExpectCommit()

	n, err := s.Push(context.Background(), "g1", "d1", []relay.ChangeInput{
		{Seq: 1, EntityType: "expense", EntityID: "e1", OpType: "create", PayloadCiphertext: "AB==", PayloadNonce: "n1", PayloadMac: "m1"},
		{Seq: 2, EntityType: "expense", EntityID: "e2", OpType: "update", CreatedAtMs: 42},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != 2 {
		t.Fatalf("accepted must be the submitted size, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPushForbiddenForNonMember(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select 1 from devices").WithArgs("d9", "g1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	_, err := s.Push(context.Background(), "g1", "d9", []relay.ChangeInput{
		{Seq: 1, EntityType: "expense", EntityID: "e1", OpType: "create"},
	})
	if !errors.Is(err, relay.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPushRejectsMalformedBeforeTouchingDB(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.Push(context.Background(), "g1", "d1", []relay.ChangeInput{
		{Seq: 1, EntityID: "e1", OpType: "create"},
	})
	if !errors.Is(err, relay.ErrInvalidChange) {
		t.Fatalf("expected ErrInvalidChange, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no queries should have run: %v", err)
	}
}

func TestPullExcludesCallerAndPages(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select 1 from devices").WithArgs("d2", "g1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	cols := []string{"id", "device_id", "seq", "created_at_ms", "entity_type", "entity_id", "op_type",
		"payload_ciphertext", "payload_nonce", "payload_mac"}
	mock.ExpectQuery("select id, device_id, seq, created_at_ms").
		WithArgs("g1", "d2", int64(7), relay.PullLimit).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(8, "d1", 3, 1000, "expense", "e3", "create", "AB==", "n1", "m1").
			AddRow(9, "d1", 4, 1001, "expense", "e4", "delete", "", "", ""))

	got, err := s.Pull(context.Background(), "g1", "d2", 7)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].ID != 8 || got[1].ID != 9 {
		t.Fatalf("rows out of order: %d, %d", got[0].ID, got[1].ID)
	}
	if got[0].GroupID != "g1" || got[0].DeviceID != "d1" {
		t.Fatalf("unexpected row: %#v", got[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
