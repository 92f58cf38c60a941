package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestUser(t *testing.T, store *Storage, email string) *User {
	t.Helper()
	user := &User{
		Name:              "Test User",
		Email:             email,
		BTCReceiveAddress: "bcrt1qtest",
	}
	if err := store.CreateUser(user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return user
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, DatabaseFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}

	for _, table := range []string{"users", "purchases", "reconciliations"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestNewReopens(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	user := createTestUser(t, store, "a@example.com")
	store.Close()

	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	if _, err := store.GetUser(user.ID); err != nil {
		t.Errorf("GetUser() after reopen error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandPath("~/.test"); got != filepath.Join(home, ".test") {
		t.Errorf("expandPath(~/.test) = %s", got)
	}
	if got := expandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("expandPath(/tmp/x) = %s", got)
	}
}

func TestUserCRUD(t *testing.T) {
	store := newTestStorage(t)

	user := createTestUser(t, store, "Alice@Example.com")
	if user.ID == "" {
		t.Fatal("CreateUser() did not assign an ID")
	}

	got, err := store.GetUser(user.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("Email = %s, want lowercased", got.Email)
	}
	if got.PaymentLinked() {
		t.Error("new user should not be payment linked")
	}

	byEmail, err := store.GetUserByEmail(" ALICE@example.com ")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if byEmail.ID != user.ID {
		t.Errorf("GetUserByEmail() id = %s, want %s", byEmail.ID, user.ID)
	}

	if err := store.LinkPaymentAccount(user.ID, "access-sandbox-123", "item-1"); err != nil {
		t.Fatalf("LinkPaymentAccount() error = %v", err)
	}
	if err := store.SetReceiveAddress(user.ID, "bcrt1qother"); err != nil {
		t.Fatalf("SetReceiveAddress() error = %v", err)
	}

	got, _ = store.GetUser(user.ID)
	if !got.PaymentLinked() || got.PaymentItemID != "item-1" {
		t.Errorf("linkage not stored: %+v", got)
	}
	if got.BTCReceiveAddress != "bcrt1qother" {
		t.Errorf("BTCReceiveAddress = %s", got.BTCReceiveAddress)
	}
	if got.UpdatedAt == nil {
		t.Error("UpdatedAt not set")
	}
}

func TestUserErrors(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store, "bob@example.com")

	err := store.CreateUser(&User{Name: "Bob Again", Email: "BOB@example.com"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate email error = %v, want ErrUserExists", err)
	}
	if err := store.CreateUser(&User{Name: "No Email"}); err == nil {
		t.Error("user without email accepted")
	}
	if _, err := store.GetUser("missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}
	if err := store.LinkPaymentAccount("missing", "tok", ""); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("LinkPaymentAccount() error = %v, want ErrUserNotFound", err)
	}
	if err := store.LinkPaymentAccount("missing", "", ""); err == nil {
		t.Error("empty access token accepted")
	}
}

func TestPurchaseLifecycle(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "carol@example.com")

	p := &Purchase{ID: "p1", UserID: user.ID, AmountUSD: 3000}
	if err := store.CreatePurchase(p); err != nil {
		t.Fatalf("CreatePurchase() error = %v", err)
	}

	if err := store.MarkPurchaseDebited("p1", "t1", 30000, 0.1); err != nil {
		t.Fatalf("MarkPurchaseDebited() error = %v", err)
	}
	got, _ := store.GetPurchase("p1")
	if got.Status != PurchaseStatusDebited || got.TransferID != "t1" || got.CompletedAt != nil {
		t.Errorf("after debit: %+v", got)
	}

	if err := store.CompletePurchase("p1", "abcd", 21000); err != nil {
		t.Fatalf("CompletePurchase() error = %v", err)
	}
	got, _ = store.GetPurchase("p1")
	if got.Status != PurchaseStatusCompleted || got.TxID != "abcd" || got.FeeSats != 21000 {
		t.Errorf("after completion: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.AmountBTC != 0.1 || got.Price != 30000 {
		t.Errorf("quote lost: btc %v price %v", got.AmountBTC, got.Price)
	}

	if _, err := store.GetPurchase("missing"); !errors.Is(err, ErrPurchaseNotFound) {
		t.Errorf("GetPurchase() error = %v, want ErrPurchaseNotFound", err)
	}
	if err := store.CompletePurchase("missing", "x", 1); !errors.Is(err, ErrPurchaseNotFound) {
		t.Errorf("CompletePurchase() error = %v, want ErrPurchaseNotFound", err)
	}
}

func TestListPurchases(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "dave@example.com")

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := store.CreatePurchase(&Purchase{ID: id, UserID: user.ID, AmountUSD: 10}); err != nil {
			t.Fatalf("CreatePurchase(%s) error = %v", id, err)
		}
	}
	if err := store.FailPurchase("p2", PurchaseStatusFailed, "quote_unavailable", "no price"); err != nil {
		t.Fatalf("FailPurchase() error = %v", err)
	}

	list, err := store.ListPurchases(user.ID, 2)
	if err != nil {
		t.Fatalf("ListPurchases() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "p3" || list[1].ID != "p2" {
		t.Errorf("order = %s, %s; want newest first", list[0].ID, list[1].ID)
	}
	if list[1].ErrorCode != "quote_unavailable" || list[1].Status != PurchaseStatusFailed {
		t.Errorf("failure not stored: %+v", list[1])
	}
}

func TestReconciliationLedger(t *testing.T) {
	store := newTestStorage(t)

	entry := &Reconciliation{
		UserID:     "u1",
		TransferID: "t1",
		AmountUSD:  3000,
		AmountBTC:  0.1,
		Price:      30000,
		ErrorCode:  "broadcast_rejected",
		Reason:     "min relay fee not met",
	}
	if err := store.RecordReconciliation(entry); err != nil {
		t.Fatalf("RecordReconciliation() error = %v", err)
	}
	if entry.ID == "" {
		t.Fatal("no ID assigned")
	}

	dup := &Reconciliation{UserID: "u1", TransferID: "t1", ErrorCode: "timeout"}
	if err := store.RecordReconciliation(dup); !errors.Is(err, ErrDuplicateTransfer) {
		t.Errorf("duplicate error = %v, want ErrDuplicateTransfer", err)
	}
	if err := store.RecordReconciliation(&Reconciliation{UserID: "u1"}); err == nil {
		t.Error("entry without transfer or purchase accepted")
	}

	open, err := store.ListReconciliations(ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations() error = %v", err)
	}
	if len(open) != 1 || open[0].TransferID != "t1" || open[0].ErrorCode != "broadcast_rejected" {
		t.Fatalf("open = %+v", open)
	}

	if err := store.ResolveReconciliation(entry.ID, "refunded via ACH return"); err != nil {
		t.Fatalf("ResolveReconciliation() error = %v", err)
	}
	if err := store.ResolveReconciliation(entry.ID, "again"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	if err := store.ResolveReconciliation("missing", ""); !errors.Is(err, ErrReconciliationNotFound) {
		t.Errorf("missing resolve error = %v, want ErrReconciliationNotFound", err)
	}

	open, _ = store.ListReconciliations(ReconciliationOpen)
	if len(open) != 0 {
		t.Errorf("open after resolve = %d, want 0", len(open))
	}
	all, _ := store.ListReconciliations("")
	if len(all) != 1 || all[0].Resolution != "refunded via ACH return" || all[0].ResolvedAt == nil {
		t.Errorf("all = %+v", all)
	}
}

func TestReconciliationWithoutTransfer(t *testing.T) {
	store := newTestStorage(t)

	for _, id := range []string{"p1", "p2"} {
		entry := &Reconciliation{UserID: "u1", PurchaseID: id, AmountUSD: 100, ErrorCode: "timeout"}
		if err := store.RecordReconciliation(entry); err != nil {
			t.Fatalf("RecordReconciliation(%s) error = %v", id, err)
		}
	}

	dup := &Reconciliation{UserID: "u1", PurchaseID: "p1", ErrorCode: "timeout"}
	if err := store.RecordReconciliation(dup); !errors.Is(err, ErrDuplicateTransfer) {
		t.Errorf("duplicate purchase error = %v, want ErrDuplicateTransfer", err)
	}

	open, err := store.ListReconciliations(ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	if open[0].PurchaseID != "p1" || open[0].TransferID != "" {
		t.Errorf("entry = %+v", open[0])
	}
}
