package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"fitcheck-auction-api/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteAuctionStore implements AuctionStore using SQLite.
// Single-writer with WAL mode; a write mutex keeps mutating transactions
// serialized, which also satisfies the per-item bid-acceptance ordering.
type SQLiteAuctionStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteAuctionStore creates a new SQLite auction store.
// dbPath is the path to the SQLite database file (e.g., "./data/auction.db");
// ":memory:" works for tests.
func NewSQLiteAuctionStore(dbPath string) (*SQLiteAuctionStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createAuctionTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[SQLiteAuctionStore] Initialized with database: %s", dbPath)
	return &SQLiteAuctionStore{db: db}, nil
}

func createAuctionTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		lightning_address TEXT NOT NULL DEFAULT '',
		balance_sats INTEGER NOT NULL DEFAULT 0,
		balance_hold_sats INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		name TEXT NOT NULL,
		auction_status TEXT NOT NULL,
		auction_start_price INTEGER NOT NULL,
		auction_current_bid INTEGER,
		auction_current_bidder_id TEXT,
		auction_current_bid_id TEXT,
		auction_ends_at INTEGER NOT NULL,
		payout_id TEXT,
		payout_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_due ON items(auction_status, auction_ends_at);
	CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount_sats INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status_updated_at INTEGER NOT NULL,
		encoded_invoice TEXT UNIQUE,
		invoice_id TEXT UNIQUE,
		invoice_expires_at INTEGER,
		payment_id TEXT,
		preimage TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_bids_item_status ON bids(item_id, status);
	CREATE INDEX IF NOT EXISTS idx_bids_expiry ON bids(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_bids_user ON bids(user_id);
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		item_id TEXT,
		actor_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		dispatched_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(dispatched_at);
	`
	_, err := db.Exec(query)
	return err
}

const sqliteBidColumns = `id, item_id, user_id, amount_sats, status, created_at, expires_at,
	status_updated_at, encoded_invoice, invoice_id, invoice_expires_at, payment_id, preimage`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBidUnix(row rowScanner) (*model.Bid, error) {
	var b model.Bid
	var createdAt, expiresAt, statusUpdatedAt int64
	var encodedInvoice, invoiceID, paymentID, preimage sql.NullString
	var invoiceExpiresAt sql.NullInt64
	var status string

	err := row.Scan(&b.ID, &b.ItemID, &b.UserID, &b.AmountSats, &status,
		&createdAt, &expiresAt, &statusUpdatedAt,
		&encodedInvoice, &invoiceID, &invoiceExpiresAt, &paymentID, &preimage)
	if err != nil {
		return nil, err
	}

	b.Status = model.BidStatus(status)
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	b.StatusUpdatedAt = time.Unix(statusUpdatedAt, 0).UTC()
	b.EncodedInvoice = encodedInvoice.String
	b.InvoiceID = invoiceID.String
	b.PaymentID = paymentID.String
	b.Preimage = preimage.String
	if invoiceExpiresAt.Valid {
		t := time.Unix(invoiceExpiresAt.Int64, 0).UTC()
		b.InvoiceExpiresAt = &t
	}
	return &b, nil
}

const sqliteItemColumns = `id, seller_id, name, auction_status, auction_start_price,
	auction_current_bid, auction_current_bidder_id, auction_current_bid_id,
	auction_ends_at, payout_id, payout_at, created_at`

// itemRow is the raw item row; currentBidID stays internal to the store.
type itemRow struct {
	item         model.Item
	currentBidID string
}

func scanItemUnix(row rowScanner) (*itemRow, error) {
	var ir itemRow
	var status string
	var currentBid sql.NullInt64
	var currentBidder, currentBidID, payoutID sql.NullString
	var endsAt, createdAt int64
	var payoutAt sql.NullInt64

	err := row.Scan(&ir.item.ID, &ir.item.SellerID, &ir.item.Name, &status,
		&ir.item.AuctionStartPrice, &currentBid, &currentBidder, &currentBidID,
		&endsAt, &payoutID, &payoutAt, &createdAt)
	if err != nil {
		return nil, err
	}

	ir.item.AuctionStatus = model.AuctionStatus(status)
	if currentBid.Valid {
		v := currentBid.Int64
		ir.item.AuctionCurrentBid = &v
	}
	ir.item.AuctionCurrentBidderID = currentBidder.String
	ir.currentBidID = currentBidID.String
	ir.item.AuctionEndsAt = time.Unix(endsAt, 0).UTC()
	ir.item.PayoutID = payoutID.String
	if payoutAt.Valid {
		t := time.Unix(payoutAt.Int64, 0).UTC()
		ir.item.PayoutAt = &t
	}
	ir.item.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &ir, nil
}

// GetItem retrieves an item's auction fields.
func (s *SQLiteAuctionStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM items WHERE id = ?`, id)
	ir, err := scanItemUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &ir.item, nil
}

// GetUser retrieves a user's balance fields.
func (s *SQLiteAuctionStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, lightning_address, balance_sats, balance_hold_sats, created_at
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.LightningAddress, &u.BalanceSats, &u.BalanceHoldSats, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// GetBid retrieves a bid by id.
func (s *SQLiteAuctionStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, id)
	b, err := scanBidUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return b, nil
}

// GetBidByInvoiceID retrieves a bid by the provider-assigned invoice id.
func (s *SQLiteAuctionStore) GetBidByInvoiceID(ctx context.Context, invoiceID string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE invoice_id = ?`, invoiceID)
	b, err := scanBidUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid by invoice id: %w", err)
	}
	return b, nil
}

// ListBidsByUser returns a user's bids, newest first.
func (s *SQLiteAuctionStore) ListBidsByUser(ctx context.Context, userID string) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBidColumns+` FROM bids WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidUnix(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// CreateUser inserts a user row.
func (s *SQLiteAuctionStore) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, lightning_address, balance_sats, balance_hold_sats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.LightningAddress, u.BalanceSats, u.BalanceHoldSats, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CreateItem inserts an item row.
func (s *SQLiteAuctionStore) CreateItem(ctx context.Context, it *model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	if it.AuctionStatus == "" {
		it.AuctionStatus = model.AuctionActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, seller_id, name, auction_status, auction_start_price, auction_ends_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.SellerID, it.Name, string(it.AuctionStatus), it.AuctionStartPrice,
		it.AuctionEndsAt.Unix(), it.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// ReserveBid executes the whole bid-acceptance unit in one transaction.
func (s *SQLiteAuctionStore) ReserveBid(ctx context.Context, itemID, userID string, amountSats int64, now time.Time) (*ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM items WHERE id = ?`, itemID)
	ir, err := scanItemUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	if ir.item.AuctionStatus != model.AuctionActive {
		return nil, ErrAuctionNotActive
	}

	floor := ir.item.AuctionStartPrice
	if ir.item.AuctionCurrentBid != nil {
		floor = *ir.item.AuctionCurrentBid
	}
	// ties lose: a new bid must strictly exceed the current high bid
	if amountSats <= floor {
		return nil, ErrBidTooLow
	}

	var balance, hold int64
	err = tx.QueryRowContext(ctx, `SELECT balance_sats, balance_hold_sats FROM users WHERE id = ?`, userID).
		Scan(&balance, &hold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	if balance-hold < amountSats {
		return nil, ErrInsufficientFunds
	}

	var released *model.Bid
	if ir.currentBidID != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE bids SET status = ?, status_updated_at = ? WHERE id = ? AND status = ?`,
			string(model.BidReleased), now.Unix(), ir.currentBidID, string(model.BidReserved))
		if err != nil {
			return nil, fmt.Errorf("failed to release previous bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			prevRow := tx.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, ir.currentBidID)
			released, err = scanBidUnix(prevRow)
			if err != nil {
				return nil, fmt.Errorf("failed to read released bid: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET balance_hold_sats = balance_hold_sats - ? WHERE id = ?`,
				released.AmountSats, released.UserID); err != nil {
				return nil, fmt.Errorf("failed to release previous hold: %w", err)
			}
		}
	}

	bid := &model.Bid{
		ID:              newID(),
		ItemID:          itemID,
		UserID:          userID,
		AmountSats:      amountSats,
		Status:          model.BidReserved,
		CreatedAt:       now.UTC(),
		ExpiresAt:       now.Add(model.DefaultBidTTL).UTC(),
		StatusUpdatedAt: now.UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (id, item_id, user_id, amount_sats, status, created_at, expires_at, status_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bid.ID, bid.ItemID, bid.UserID, bid.AmountSats, string(bid.Status),
		bid.CreatedAt.Unix(), bid.ExpiresAt.Unix(), bid.StatusUpdatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("failed to insert bid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET balance_hold_sats = balance_hold_sats + ? WHERE id = ?`,
		amountSats, userID); err != nil {
		return nil, fmt.Errorf("failed to place hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET auction_current_bid = ?, auction_current_bidder_id = ?, auction_current_bid_id = ?
		 WHERE id = ?`,
		amountSats, userID, bid.ID, itemID); err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &ReserveResult{Bid: bid, Released: released}, nil
}

// CloseAuction finalizes a due auction. Idempotent on non-ACTIVE items.
func (s *SQLiteAuctionStore) CloseAuction(ctx context.Context, itemID string, now time.Time) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM items WHERE id = ?`, itemID)
	ir, err := scanItemUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	if ir.item.AuctionStatus != model.AuctionActive {
		return &CloseResult{Item: &ir.item, AlreadyClosed: true}, nil
	}

	var winning *model.Bid
	finalStatus := model.AuctionExpired
	if ir.currentBidID != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE bids SET status = ?, status_updated_at = ? WHERE id = ? AND status = ?`,
			string(model.BidWon), now.Unix(), ir.currentBidID, string(model.BidReserved))
		if err != nil {
			return nil, fmt.Errorf("failed to mark winning bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			wonRow := tx.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, ir.currentBidID)
			winning, err = scanBidUnix(wonRow)
			if err != nil {
				return nil, fmt.Errorf("failed to read winning bid: %w", err)
			}
			finalStatus = model.AuctionSold
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET auction_status = ? WHERE id = ? AND auction_status = ?`,
		string(finalStatus), itemID, string(model.AuctionActive)); err != nil {
		return nil, fmt.Errorf("failed to close auction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	ir.item.AuctionStatus = finalStatus
	return &CloseResult{Item: &ir.item, Winning: winning}, nil
}

// transitionTx compare-and-swaps a bid's status inside tx and releases the
// bidder's hold when the bid leaves a fund-holding status without being paid.
func (s *SQLiteAuctionStore) transitionTx(ctx context.Context, tx *sql.Tx, bidID string, from, to model.BidStatus, now time.Time) (*model.Bid, error) {
	if !model.CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now.Unix(), bidID, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to transition bid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM bids WHERE id = ?`, bidID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to re-read bid: %w", err)
		}
		return nil, ErrStaleTransition
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, bidID)
	b, err := scanBidUnix(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read bid: %w", err)
	}

	holding := from == model.BidReserved || from == model.BidWon || from == model.BidInvoiceGenerated
	if holding && to != model.BidPaid && !b.HoldsFunds() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance_hold_sats = balance_hold_sats - ? WHERE id = ?`,
			b.AmountSats, b.UserID); err != nil {
			return nil, fmt.Errorf("failed to release hold: %w", err)
		}
	}
	return b, nil
}

// TransitionBid compare-and-swaps a bid's status.
func (s *SQLiteAuctionStore) TransitionBid(ctx context.Context, bidID string, from, to model.BidStatus, now time.Time) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := s.transitionTx(ctx, tx, bidID, from, to, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return b, nil
}

// AttachInvoice moves a WON bid to INVOICE_GENERATED and stores the invoice.
func (s *SQLiteAuctionStore) AttachInvoice(ctx context.Context, bidID string, inv InvoiceAttachment, now time.Time) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ?, invoice_id = ?, encoded_invoice = ?, invoice_expires_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.BidInvoiceGenerated), now.Unix(), inv.InvoiceID, inv.EncodedInvoice,
		inv.ExpiresAt.Unix(), bidID, string(model.BidWon))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("invoice already attached to another bid: %w", err)
		}
		return nil, fmt.Errorf("failed to attach invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM bids WHERE id = ?`, bidID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to re-read bid: %w", err)
		}
		return nil, ErrStaleTransition
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, bidID)
	b, err := scanBidUnix(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read bid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return b, nil
}

// SettleBid moves an INVOICE_GENERATED bid to PAID and captures the funds.
func (s *SQLiteAuctionStore) SettleBid(ctx context.Context, bidID, paymentID, preimage string, now time.Time) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, bidID)
	b, err := scanBidUnix(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read bid: %w", err)
	}
	if b.Status == model.BidPaid {
		return b, ErrAlreadySettled
	}
	if b.Status != model.BidInvoiceGenerated {
		return nil, ErrInvalidTransition
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ?, payment_id = ?, preimage = ?
		 WHERE id = ? AND status = ?`,
		string(model.BidPaid), now.Unix(), paymentID, preimage, bidID, string(model.BidInvoiceGenerated))
	if err != nil {
		return nil, fmt.Errorf("failed to settle bid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStaleTransition
	}

	// capture: funds leave the balance, the hold that backed them goes too
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET balance_sats = balance_sats - ?, balance_hold_sats = balance_hold_sats - ?
		 WHERE id = ?`,
		b.AmountSats, b.AmountSats, b.UserID); err != nil {
		return nil, fmt.Errorf("failed to capture funds: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.Status = model.BidPaid
	b.StatusUpdatedAt = now.UTC()
	b.PaymentID = paymentID
	b.Preimage = preimage
	return b, nil
}

// ExpireBid moves a bid to EXPIRED and releases its hold exactly once.
func (s *SQLiteAuctionStore) ExpireBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error) {
	return s.TransitionBid(ctx, bidID, from, model.BidExpired, now)
}

// FailBid moves a bid to FAILED_PAYMENT and releases its hold.
func (s *SQLiteAuctionStore) FailBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error) {
	return s.TransitionBid(ctx, bidID, from, model.BidFailedPayment, now)
}

// DueItemIDs lists ACTIVE items whose auction has ended.
func (s *SQLiteAuctionStore) DueItemIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE auction_status = ? AND auction_ends_at < ?`,
		string(model.AuctionActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list due items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleBids lists RESERVED or INVOICE_GENERATED bids past their expiry.
func (s *SQLiteAuctionStore) StaleBids(ctx context.Context, now time.Time) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBidColumns+` FROM bids
		 WHERE (status = ? AND expires_at < ?)
		    OR (status = ? AND (expires_at < ? OR (invoice_expires_at IS NOT NULL AND invoice_expires_at < ?)))`,
		string(model.BidReserved), now.Unix(),
		string(model.BidInvoiceGenerated), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidUnix(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// UninvoicedWonBids lists WON bids that never got an invoice attached.
func (s *SQLiteAuctionStore) UninvoicedWonBids(ctx context.Context) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBidColumns+` FROM bids
		 WHERE status = ? AND (invoice_id IS NULL OR invoice_id = '')`,
		string(model.BidWon))
	if err != nil {
		return nil, fmt.Errorf("failed to list uninvoiced won bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidUnix(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// RecordPayout stores a completed seller payout id on the item.
func (s *SQLiteAuctionStore) RecordPayout(ctx context.Context, itemID, payoutID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET payout_id = ?, payout_at = ? WHERE id = ? AND payout_id IS NULL`,
		payoutID, now.Unix(), itemID)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT payout_id FROM items WHERE id = ?`, itemID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to re-read item: %w", err)
		}
		return ErrPayoutRecorded
	}
	return nil
}

// InsertNotification appends to the outbox; duplicate dedupe keys are rejected.
func (s *SQLiteAuctionStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, item_id, actor_id, metadata, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), nullable(n.ItemID), nullable(n.ActorID), meta, n.DedupeKey, n.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// MarkNotificationDispatched stamps a successful dispatch.
func (s *SQLiteAuctionStore) MarkNotificationDispatched(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`,
		now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification dispatched: %w", err)
	}
	return nil
}

// UndispatchedNotifications lists pending outbox rows, oldest first.
func (s *SQLiteAuctionStore) UndispatchedNotifications(ctx context.Context, limit int) ([]*model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, item_id, actor_id, metadata, dedupe_key, created_at
		 FROM notifications WHERE dispatched_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var n model.Notification
		var itemID, actorID sql.NullString
		var meta string
		var createdAt int64
		var typ string
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &itemID, &actorID, &meta, &n.DedupeKey, &createdAt); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(typ)
		n.ItemID = itemID.String
		n.ActorID = actorID.String
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		n.Metadata, err = unmarshalMetadata(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// GetStats returns operational counters.
func (s *SQLiteAuctionStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var activeItems, totalBids, pendingNotifications int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE auction_status = ?`, string(model.AuctionActive)).Scan(&activeItems); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids`).Scan(&totalBids); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE dispatched_at IS NULL`).Scan(&pendingNotifications); err != nil {
		return nil, err
	}
	stats["active_auctions"] = activeItems
	stats["total_bids"] = totalBids
	stats["pending_notifications"] = pendingNotifications

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bids GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byStatus := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		byStatus[status] = count
	}
	stats["bids_by_status"] = byStatus

	return stats, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteAuctionStore) Close() error {
	return s.db.Close()
}
