package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fitcheck-auction-api/internal/model"

	"github.com/go-sql-driver/mysql"
)

// MySQLAuctionStore implements AuctionStore using MySQL.
// Shares the row-lock serialization strategy with the PostgreSQL store.
type MySQLAuctionStore struct {
	db *sql.DB
}

// NewMySQLAuctionStore creates a new MySQL auction store.
// dsn format: "user:password@tcp(host:port)/dbname"
func NewMySQLAuctionStore(dsn string) (*MySQLAuctionStore, error) {
	// Timestamps come back as time.Time only with parseTime enabled.
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	if err := createAuctionTablesMySQL(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[MySQLAuctionStore] Initialized")
	return &MySQLAuctionStore{db: db}, nil
}

func createAuctionTablesMySQL(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL,
			lightning_address VARCHAR(255) NOT NULL DEFAULT '',
			balance_sats BIGINT NOT NULL DEFAULT 0,
			balance_hold_sats BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id VARCHAR(64) PRIMARY KEY,
			seller_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			auction_status VARCHAR(32) NOT NULL,
			auction_start_price BIGINT NOT NULL,
			auction_current_bid BIGINT,
			auction_current_bidder_id VARCHAR(64),
			auction_current_bid_id VARCHAR(64),
			auction_ends_at DATETIME(6) NOT NULL,
			payout_id VARCHAR(128),
			payout_at DATETIME(6),
			created_at DATETIME(6) NOT NULL,
			INDEX idx_items_due (auction_status, auction_ends_at)
		)`,
		`CREATE TABLE IF NOT EXISTS bids (
			id VARCHAR(64) PRIMARY KEY,
			item_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			amount_sats BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NOT NULL,
			status_updated_at DATETIME(6) NOT NULL,
			encoded_invoice VARCHAR(768) UNIQUE,
			invoice_id VARCHAR(128) UNIQUE,
			invoice_expires_at DATETIME(6),
			payment_id VARCHAR(128),
			preimage VARCHAR(128),
			INDEX idx_bids_item_status (item_id, status),
			INDEX idx_bids_expiry (status, expires_at),
			INDEX idx_bids_user (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			type VARCHAR(64) NOT NULL,
			item_id VARCHAR(64),
			actor_id VARCHAR(64),
			metadata TEXT NOT NULL,
			dedupe_key VARCHAR(255) NOT NULL UNIQUE,
			created_at DATETIME(6) NOT NULL,
			dispatched_at DATETIME(6),
			INDEX idx_notifications_pending (dispatched_at)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func isMySQLDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

// GetItem retrieves an item's auction fields.
func (s *MySQLAuctionStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	ir, err := scanItemRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &ir.item, nil
}

// GetUser retrieves a user's balance fields.
func (s *MySQLAuctionStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, lightning_address, balance_sats, balance_hold_sats, created_at
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.LightningAddress, &u.BalanceSats, &u.BalanceHoldSats, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetBid retrieves a bid by id.
func (s *MySQLAuctionStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id)
	b, err := scanBidRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return b, nil
}

// GetBidByInvoiceID retrieves a bid by the provider-assigned invoice id.
func (s *MySQLAuctionStore) GetBidByInvoiceID(ctx context.Context, invoiceID string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE invoice_id = ?`, invoiceID)
	b, err := scanBidRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid by invoice id: %w", err)
	}
	return b, nil
}

// ListBidsByUser returns a user's bids, newest first.
func (s *MySQLAuctionStore) ListBidsByUser(ctx context.Context, userID string) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidRow(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// CreateUser inserts a user row.
func (s *MySQLAuctionStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, lightning_address, balance_sats, balance_hold_sats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.LightningAddress, u.BalanceSats, u.BalanceHoldSats, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CreateItem inserts an item row.
func (s *MySQLAuctionStore) CreateItem(ctx context.Context, it *model.Item) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	if it.AuctionStatus == "" {
		it.AuctionStatus = model.AuctionActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, seller_id, name, auction_status, auction_start_price, auction_ends_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.SellerID, it.Name, string(it.AuctionStatus), it.AuctionStartPrice, it.AuctionEndsAt, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// ReserveBid executes the whole bid-acceptance unit in one transaction,
// serialized per item via a row lock.
func (s *MySQLAuctionStore) ReserveBid(ctx context.Context, itemID, userID string, amountSats int64, now time.Time) (*ReserveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? FOR UPDATE`, itemID)
	ir, err := scanItemRow(row)
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
	if amountSats <= floor {
		return nil, ErrBidTooLow
	}

	var balance, hold int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance_sats, balance_hold_sats FROM users WHERE id = ? FOR UPDATE`, userID).
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
			string(model.BidReleased), now, ir.currentBidID, string(model.BidReserved))
		if err != nil {
			return nil, fmt.Errorf("failed to release previous bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			prevRow := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, ir.currentBidID)
			released, err = scanBidRow(prevRow)
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
		bid.CreatedAt, bid.ExpiresAt, bid.StatusUpdatedAt); err != nil {
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
func (s *MySQLAuctionStore) CloseAuction(ctx context.Context, itemID string, now time.Time) (*CloseResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? FOR UPDATE`, itemID)
	ir, err := scanItemRow(row)
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
			string(model.BidWon), now, ir.currentBidID, string(model.BidReserved))
		if err != nil {
			return nil, fmt.Errorf("failed to mark winning bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			wonRow := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, ir.currentBidID)
			winning, err = scanBidRow(wonRow)
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

func (s *MySQLAuctionStore) transitionTx(ctx context.Context, tx *sql.Tx, bidID string, from, to model.BidStatus, now time.Time) (*model.Bid, error) {
	if !model.CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, bidID, string(from))
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

	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, bidID)
	b, err := scanBidRow(row)
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
func (s *MySQLAuctionStore) TransitionBid(ctx context.Context, bidID string, from, to model.BidStatus, now time.Time) (*model.Bid, error) {
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
func (s *MySQLAuctionStore) AttachInvoice(ctx context.Context, bidID string, inv InvoiceAttachment, now time.Time) (*model.Bid, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ?, invoice_id = ?, encoded_invoice = ?, invoice_expires_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.BidInvoiceGenerated), now, inv.InvoiceID, inv.EncodedInvoice,
		inv.ExpiresAt, bidID, string(model.BidWon))
	if err != nil {
		if isMySQLDuplicate(err) {
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

	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, bidID)
	b, err := scanBidRow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read bid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return b, nil
}

// SettleBid moves an INVOICE_GENERATED bid to PAID and captures the funds.
func (s *MySQLAuctionStore) SettleBid(ctx context.Context, bidID, paymentID, preimage string, now time.Time) (*model.Bid, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ? FOR UPDATE`, bidID)
	b, err := scanBidRow(row)
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

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = ?, status_updated_at = ?, payment_id = ?, preimage = ?
		 WHERE id = ? AND status = ?`,
		string(model.BidPaid), now, paymentID, preimage, bidID, string(model.BidInvoiceGenerated)); err != nil {
		return nil, fmt.Errorf("failed to settle bid: %w", err)
	}

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
func (s *MySQLAuctionStore) ExpireBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error) {
	return s.TransitionBid(ctx, bidID, from, model.BidExpired, now)
}

// FailBid moves a bid to FAILED_PAYMENT and releases its hold.
func (s *MySQLAuctionStore) FailBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error) {
	return s.TransitionBid(ctx, bidID, from, model.BidFailedPayment, now)
}

// DueItemIDs lists ACTIVE items whose auction has ended.
func (s *MySQLAuctionStore) DueItemIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE auction_status = ? AND auction_ends_at < ?`,
		string(model.AuctionActive), now)
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
func (s *MySQLAuctionStore) StaleBids(ctx context.Context, now time.Time) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE (status = ? AND expires_at < ?)
		    OR (status = ? AND (expires_at < ? OR (invoice_expires_at IS NOT NULL AND invoice_expires_at < ?)))`,
		string(model.BidReserved), now, string(model.BidInvoiceGenerated), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidRow(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// UninvoicedWonBids lists WON bids that never got an invoice attached.
func (s *MySQLAuctionStore) UninvoicedWonBids(ctx context.Context) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE status = ? AND (invoice_id IS NULL OR invoice_id = '')`,
		string(model.BidWon))
	if err != nil {
		return nil, fmt.Errorf("failed to list uninvoiced won bids: %w", err)
	}
	defer rows.Close()

	var bids []*model.Bid
	for rows.Next() {
		b, err := scanBidRow(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// RecordPayout stores a completed seller payout id on the item.
func (s *MySQLAuctionStore) RecordPayout(ctx context.Context, itemID, payoutID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET payout_id = ?, payout_at = ? WHERE id = ? AND payout_id IS NULL`,
		payoutID, now, itemID)
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
func (s *MySQLAuctionStore) InsertNotification(ctx context.Context, n *model.Notification) error {
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
		n.ID, n.UserID, string(n.Type), nullable(n.ItemID), nullable(n.ActorID), meta, n.DedupeKey, n.CreatedAt)
	if err != nil {
		if isMySQLDuplicate(err) {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// MarkNotificationDispatched stamps a successful dispatch.
func (s *MySQLAuctionStore) MarkNotificationDispatched(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`,
		now, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification dispatched: %w", err)
	}
	return nil
}

// UndispatchedNotifications lists pending outbox rows, oldest first.
func (s *MySQLAuctionStore) UndispatchedNotifications(ctx context.Context, limit int) ([]*model.Notification, error) {
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
		var meta, typ string
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &itemID, &actorID, &meta, &n.DedupeKey, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(typ)
		n.ItemID = itemID.String
		n.ActorID = actorID.String
		n.Metadata, err = unmarshalMetadata(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// GetStats returns operational counters.
func (s *MySQLAuctionStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
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
func (s *MySQLAuctionStore) Close() error {
	return s.db.Close()
}
