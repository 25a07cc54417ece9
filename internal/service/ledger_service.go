package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"modledger/internal/infrastructure/lock"
	"modledger/internal/logger"
	"modledger/internal/metrics"
	"modledger/internal/model"
	"modledger/internal/repository"
	"modledger/pkg/idgen"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

const maxConflictRetries = 3

// Policy holds the tunable settlement rules.
type Policy struct {
	ReturnRatio             float64 // share of a matured lock refunded to the payer
	DefaultLockDurationDays int
	LockMode                model.LockMode
	SweepBatchSize          int
	SweepMaxBatches         int
}

func DefaultPolicy() Policy {
	return Policy{
		ReturnRatio:             0.5,
		DefaultLockDurationDays: 14,
		LockMode:                model.LockModeEscrow,
		SweepBatchSize:          100,
		SweepMaxBatches:         10,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if math.IsNaN(p.ReturnRatio) || p.ReturnRatio < 0 {
		p.ReturnRatio = 0
	}
	if p.ReturnRatio > 1 {
		p.ReturnRatio = 1
	}
	if p.DefaultLockDurationDays < 0 {
		p.DefaultLockDurationDays = d.DefaultLockDurationDays
	}
	if !p.LockMode.Valid() {
		p.LockMode = d.LockMode
	}
	if p.SweepBatchSize <= 0 {
		p.SweepBatchSize = d.SweepBatchSize
	}
	if p.SweepMaxBatches <= 0 {
		p.SweepMaxBatches = d.SweepMaxBatches
	}
	return p
}

// Split divides a matured lock amount into the payer's refund and the author's share.
func (p Policy) Split(amount int64) (returnAmount, keepAmount int64) {
	returnAmount = decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(p.ReturnRatio)).
		Floor().
		IntPart()
	return returnAmount, amount - returnAmount
}

// TransactionMirror receives every committed transaction for external replication.
type TransactionMirror interface {
	Mirror(ctx context.Context, t *model.Transaction) []*model.MirrorRecord
}

// SyncReporter reports per-network mirror outcomes for Stats.
type SyncReporter interface {
	SyncSummary(ctx context.Context) ([]model.NetworkSync, error)
}

// Ledger is the token ledger: balances, the transaction log, time locks and
// their settlement. All mutations go through one repository.Store unit per
// operation, serialized per account in-process.
type Ledger struct {
	store  repository.Store
	locks  *lock.KeyedMutex
	clock  clockwork.Clock
	policy Policy
	mirror TransactionMirror
	syncs  SyncReporter
	newID  func() string
	log    *slog.Logger

	sweepMu sync.Mutex
}

type Option func(*Ledger)

func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithMirror(m TransactionMirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

func WithSyncReporter(r SyncReporter) Option {
	return func(l *Ledger) { l.syncs = r }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger.Component(log, "ledger") }
}

func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

func NewLedger(store repository.Store, policy Policy, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  lock.NewKeyedMutex(),
		clock:  clockwork.NewRealClock(),
		policy: policy.normalized(),
		newID:  idgen.GenerateTransactionID,
		log:    logger.Component(nil, "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Policy() Policy {
	return l.policy
}

// ---------------------------------------------------------------------------
// unit of work
// ---------------------------------------------------------------------------

// unit is one atomic ledger mutation. It is rebuilt on every retry.
type unit struct {
	l        *Ledger
	tx       repository.Tx
	now      time.Time
	appended []*model.Transaction
}

// run executes fn as one atomic unit while holding the per-account locks on
// keys. Storage version conflicts are retried. Committed transactions are
// counted and handed to the mirror after commit.
func (l *Ledger) run(ctx context.Context, op string, keys []string, fn func(u *unit) error) error {
	unlock := l.locks.Lock(keys...)
	defer unlock()

	var (
		u   *unit
		err error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		u = &unit{l: l, now: l.clock.Now().UTC()}
		err = l.store.Atomic(ctx, func(tx repository.Tx) error {
			u.tx = tx
			u.appended = u.appended[:0]
			return fn(u)
		})
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
		l.log.Debug("storage conflict, retrying", "op", op, "attempt", attempt+1)
	}
	if err != nil {
		if !errors.Is(err, errAlreadySettled) {
			metrics.OperationFailures.WithLabelValues(op).Inc()
		}
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%s: %w", op, ErrBusy)
		}
		return err
	}

	l.committed(ctx, u.appended)
	return nil
}

func (l *Ledger) committed(ctx context.Context, appended []*model.Transaction) {
	for _, t := range appended {
		metrics.TransactionsTotal.WithLabelValues(string(t.Kind)).Inc()
		if l.mirror != nil && t.Status == model.TransactionStatusCompleted {
			l.mirror.Mirror(context.WithoutCancel(ctx), t.Clone())
		}
	}
}

// account returns the stored account or a fresh zero-balance one.
func (u *unit) account(id string) (*model.Account, error) {
	a, err := u.tx.GetAccount(id)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.Account{ID: id, CreatedAt: u.now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return a, nil
}

func (u *unit) save(a *model.Account) error {
	if a.Available < 0 || a.Locked < 0 {
		return fmt.Errorf("account %s would go negative", a.ID)
	}
	a.UpdatedAt = u.now
	if err := u.tx.PutAccount(a); err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

func (u *unit) credit(id string, amount int64) error {
	if model.IsSystemAccount(id) {
		return nil
	}
	a, err := u.account(id)
	if err != nil {
		return err
	}
	if a.Available > math.MaxInt64-amount {
		return fmt.Errorf("%w: credit overflows account %s", ErrInvalidAmount, id)
	}
	a.Available += amount
	return u.save(a)
}

func (u *unit) debit(id string, amount int64) error {
	if model.IsSystemAccount(id) {
		return nil
	}
	a, err := u.account(id)
	if err != nil {
		return err
	}
	if amount > a.Available {
		return ErrInsufficientBalance
	}
	a.Available -= amount
	return u.save(a)
}

func (u *unit) moveToLocked(id string, amount int64) error {
	a, err := u.account(id)
	if err != nil {
		return err
	}
	if amount > a.Available {
		return ErrInsufficientBalance
	}
	a.Available -= amount
	a.Locked += amount
	return u.save(a)
}

// holdLocked records an escrow claim: locked grows, available is untouched.
func (u *unit) holdLocked(id string, amount int64) error {
	a, err := u.account(id)
	if err != nil {
		return err
	}
	if a.Locked > math.MaxInt64-amount {
		return fmt.Errorf("%w: lock overflows account %s", ErrInvalidAmount, id)
	}
	a.Locked += amount
	return u.save(a)
}

// releaseFromLocked takes amount out of id's locked balance and credits it to
// destination's available balance. An empty destination retires the amount.
func (u *unit) releaseFromLocked(id string, amount int64, destination string) error {
	a, err := u.account(id)
	if err != nil {
		return err
	}
	if amount > a.Locked {
		return ErrInsufficientLocked
	}
	a.Locked -= amount
	if destination == id {
		a.Available += amount
	}
	if err := u.save(a); err != nil {
		return err
	}

	if destination == "" || destination == id {
		return nil
	}
	return u.credit(destination, amount)
}

func (u *unit) append(t *model.Transaction) (*model.Transaction, error) {
	if t.ID == "" {
		t.ID = u.l.newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = u.now
	}
	if t.Status == "" {
		t.Status = model.TransactionStatusCompleted
	}
	if err := u.tx.InsertTransaction(t); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	u.appended = append(u.appended, t)
	return t, nil
}

func checkAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return nil
}

func checkUserAccount(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if model.IsSystemAccount(id) {
		return fmt.Errorf("%w: %s is reserved", ErrInvalidAccount, id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// grants and transfers
// ---------------------------------------------------------------------------

// GrantTokens issues amount from the system account to id. source is either
// KindGrant or KindDonation.
func (l *Ledger) GrantTokens(ctx context.Context, id string, amount int64, source model.TransactionKind, reason string) (*model.Transaction, error) {
	if err := checkUserAccount(id); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if source != model.KindGrant && source != model.KindDonation {
		return nil, fmt.Errorf("%w: grant source %q", ErrInvalidKind, source)
	}

	var out *model.Transaction
	err := l.run(ctx, "grant", []string{id}, func(u *unit) error {
		if err := u.credit(id, amount); err != nil {
			return err
		}
		t, err := u.append(&model.Transaction{
			From:   model.SystemAccountID,
			To:     id,
			Amount: amount,
			Kind:   source,
			Reason: reason,
		})
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("tokens granted", "account", id, "amount", amount, "kind", source, "tx", out.ID)
	return out.Clone(), nil
}

// TransferTokens moves amount between two user accounts and records one
// completed transaction of kind. An empty kind records a donation.
func (l *Ledger) TransferTokens(ctx context.Context, from, to string, amount int64, reason string, kind model.TransactionKind) (*model.Transaction, error) {
	if kind == "" {
		kind = model.KindDonation
	}
	if err := l.checkTransfer(from, to, amount, kind); err != nil {
		return nil, err
	}

	var out *model.Transaction
	err := l.run(ctx, "transfer", []string{from, to}, func(u *unit) error {
		t, err := u.transfer(from, to, amount, reason, kind)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (l *Ledger) checkTransfer(from, to string, amount int64, kind model.TransactionKind) error {
	if err := checkUserAccount(from); err != nil {
		return err
	}
	if err := checkUserAccount(to); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: transfer to self", ErrInvalidAccount)
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if !kind.Valid() || kind == model.KindModUninstall {
		return fmt.Errorf("%w: transfer kind %q", ErrInvalidKind, kind)
	}
	return nil
}

func (u *unit) transfer(from, to string, amount int64, reason string, kind model.TransactionKind) (*model.Transaction, error) {
	if err := u.debit(from, amount); err != nil {
		return nil, err
	}
	if err := u.credit(to, amount); err != nil {
		return nil, err
	}
	return u.append(&model.Transaction{
		From:   from,
		To:     to,
		Amount: amount,
		Kind:   kind,
		Reason: reason,
	})
}

// ---------------------------------------------------------------------------
// mod installs
// ---------------------------------------------------------------------------

type installOptions struct {
	lockDurationDays *int
}

type InstallOption func(*installOptions)

// WithLockDurationDays overrides the configured lock duration for the
// uninstall of this install.
func WithLockDurationDays(days int) InstallOption {
	return func(o *installOptions) { o.lockDurationDays = &days }
}

// ProcessModInstall pays author for mod on behalf of user and records the
// install so a later uninstall can time-lock the amount.
func (l *Ledger) ProcessModInstall(ctx context.Context, userID, modID, authorID string, amount int64, opts ...InstallOption) (*model.Transaction, error) {
	if modID == "" {
		return nil, fmt.Errorf("%w: empty mod id", ErrInvalidAccount)
	}
	if err := l.checkTransfer(userID, authorID, amount, model.KindModInstall); err != nil {
		return nil, err
	}

	o := installOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	days := l.policy.DefaultLockDurationDays
	if o.lockDurationDays != nil {
		days = *o.lockDurationDays
	}
	if days < 0 {
		return nil, fmt.Errorf("%w: lock duration %d days", ErrInvalidAmount, days)
	}

	key := model.InstallKey{UserID: userID, ModID: modID}
	var out *model.Transaction
	err := l.run(ctx, "mod_install", []string{userID, authorID}, func(u *unit) error {
		if _, err := u.tx.GetInstall(key); err == nil {
			return ErrAlreadyInstalled
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("load install record: %w", err)
		}

		t, err := u.transfer(userID, authorID, amount, "install "+modID, model.KindModInstall)
		if err != nil {
			return err
		}
		out = t

		err = u.tx.InsertInstall(&model.ModInstallRecord{
			UserID:           userID,
			ModID:            modID,
			AuthorID:         authorID,
			TokenAmount:      amount,
			InstallDate:      u.now,
			LockDurationDays: days,
			TransactionID:    t.ID,
		})
		if errors.Is(err, repository.ErrAlreadyExists) {
			return ErrAlreadyInstalled
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("mod installed", "user", userID, "mod", modID, "author", authorID, "amount", amount, "tx", out.ID)
	return out.Clone(), nil
}

// ProcessModUninstall time-locks the amount paid for the install and removes
// the install record. The author's install credit stays in place; the split
// happens when the sweep settles the lock.
func (l *Ledger) ProcessModUninstall(ctx context.Context, userID, modID string) (*model.Transaction, error) {
	if err := checkUserAccount(userID); err != nil {
		return nil, err
	}

	key := model.InstallKey{UserID: userID, ModID: modID}
	var out *model.Transaction
	err := l.run(ctx, "mod_uninstall", []string{userID}, func(u *unit) error {
		rec, err := u.tx.GetInstall(key)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no install of %s for %s", ErrNotFound, modID, userID)
		}
		if err != nil {
			return fmt.Errorf("load install record: %w", err)
		}

		until := u.now.Add(time.Duration(rec.LockDurationDays) * 24 * time.Hour)
		t, err := u.lock(userID, rec.AuthorID, rec.TokenAmount, until, "uninstall "+modID, l.policy.LockMode)
		if err != nil {
			return err
		}
		out = t

		return u.tx.DeleteInstall(key)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("mod uninstalled, tokens locked",
		"user", userID, "mod", modID, "amount", out.Amount, "until", out.LockedUntil, "tx", out.ID)
	return out.Clone(), nil
}

// LockTokens records a locked mod_uninstall transaction of amount from payer
// to counterparty, maturing at until. An empty mode uses the configured one.
func (l *Ledger) LockTokens(ctx context.Context, payer, counterparty string, amount int64, until time.Time, reason string, mode model.LockMode) (*model.Transaction, error) {
	if err := checkUserAccount(payer); err != nil {
		return nil, err
	}
	if err := checkUserAccount(counterparty); err != nil {
		return nil, err
	}
	if payer == counterparty {
		return nil, fmt.Errorf("%w: lock against self", ErrInvalidAccount)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = l.policy.LockMode
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}

	var out *model.Transaction
	err := l.run(ctx, "lock", []string{payer}, func(u *unit) error {
		t, err := u.lock(payer, counterparty, amount, until, reason, mode)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (u *unit) lock(payer, counterparty string, amount int64, until time.Time, reason string, mode model.LockMode) (*model.Transaction, error) {
	var err error
	switch mode {
	case model.LockModeFreeze:
		err = u.moveToLocked(payer, amount)
	default:
		err = u.holdLocked(payer, amount)
	}
	if err != nil {
		return nil, err
	}

	until = until.UTC()
	return u.append(&model.Transaction{
		From:        payer,
		To:          counterparty,
		Amount:      amount,
		Kind:        model.KindModUninstall,
		Reason:      reason,
		Status:      model.TransactionStatusLocked,
		LockedUntil: &until,
		LockMode:    mode,
	})
}
