// Package ledger loads account histories from a directory of per-user files.
//
// A user is identified by file stem: <user>.json holds an AccountHistory
// document, <user>.ofx or <user>.qfx holds bank and card statements. Both
// may exist; statement lines are merged into the JSON history. Consent is
// only ever read from the JSON document.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"spendsense/internal/model"
)

// ErrUnknownUser is returned when no file exists for the user.
var ErrUnknownUser = errors.New("ledger: unknown user")

var statementExts = []string{".ofx", ".qfx"}

// Source lists users and loads their histories.
type Source interface {
	Users(ctx context.Context) ([]string, error)
	Load(ctx context.Context, userID string) (model.AccountHistory, error)
}

// DirSource reads histories from a directory.
type DirSource struct {
	dir    string
	logger zerolog.Logger
}

// NewDirSource returns a source rooted at dir.
func NewDirSource(dir string, logger zerolog.Logger) (*DirSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger.dir is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open ledger dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ledger dir %s is not a directory", dir)
	}
	return &DirSource{
		dir:    dir,
		logger: logger.With().Str("component", "ledger").Logger(),
	}, nil
}

// Users returns every user with at least one history file, sorted.
func (s *DirSource) Users(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list ledger dir: %w", err)
	}
	seen := make(map[string]bool)
	users := []string{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && !slices.Contains(statementExts, ext) {
			continue
		}
		user := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if user == "" || seen[user] {
			continue
		}
		seen[user] = true
		users = append(users, user)
	}
	slices.Sort(users)
	return users, nil
}

// Load builds the user's history from their JSON document and statements.
func (s *DirSource) Load(ctx context.Context, userID string) (model.AccountHistory, error) {
	if err := validUserID(userID); err != nil {
		return model.AccountHistory{}, err
	}

	h, found, err := s.loadDocument(userID)
	if err != nil {
		return model.AccountHistory{}, err
	}

	for _, ext := range statementExts {
		if err := ctx.Err(); err != nil {
			return model.AccountHistory{}, err
		}
		path := filepath.Join(s.dir, userID+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return model.AccountHistory{}, fmt.Errorf("read statement %s: %w", path, err)
		}
		stmt, err := ParseStatement(data)
		if err != nil {
			return model.AccountHistory{}, fmt.Errorf("statement %s: %w", filepath.Base(path), err)
		}
		merge(&h, stmt)
		found = true
		s.logger.Debug().
			Str("user_id", userID).
			Str("file", filepath.Base(path)).
			Int("accounts", len(stmt.Accounts)).
			Int("transactions", len(stmt.Transactions)).
			Msg("statement merged")
	}

	if !found {
		return model.AccountHistory{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	h.UserID = userID
	return h, nil
}

func (s *DirSource) loadDocument(userID string) (model.AccountHistory, bool, error) {
	path := filepath.Join(s.dir, userID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.AccountHistory{}, false, nil
	}
	if err != nil {
		return model.AccountHistory{}, false, fmt.Errorf("read history %s: %w", path, err)
	}

	var h model.AccountHistory
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&h); err != nil {
		return model.AccountHistory{}, false, fmt.Errorf("decode history %s: %w", filepath.Base(path), err)
	}
	if h.UserID != "" && h.UserID != userID {
		return model.AccountHistory{}, false, fmt.Errorf("history %s belongs to %q", filepath.Base(path), h.UserID)
	}
	return h, true, nil
}

// merge folds statement data into h. Accounts described by the JSON document
// keep their limit and overdue flag; transactions already present by id are
// skipped.
func merge(h *model.AccountHistory, stmt Statement) {
	known := make(map[string]model.AccountSnapshot)
	for _, snap := range h.LatestSnapshots() {
		known[snap.AccountID] = snap
	}
	for _, snap := range stmt.Accounts {
		if prior, ok := known[snap.AccountID]; ok {
			if snap.CreditLimit.IsZero() {
				snap.CreditLimit = prior.CreditLimit
			}
			snap.IsOverdue = snap.IsOverdue || prior.IsOverdue
			if prior.Subtype != "" {
				snap.Subtype = prior.Subtype
			}
			if prior.Mask != "" {
				snap.Mask = prior.Mask
			}
		}
		h.Accounts = append(h.Accounts, snap)
	}

	seen := make(map[string]bool, len(h.Transactions))
	for _, txn := range h.Transactions {
		seen[txn.AccountID+"/"+txn.TransactionID] = true
	}
	for _, txn := range stmt.Transactions {
		key := txn.AccountID + "/" + txn.TransactionID
		if txn.TransactionID != "" && seen[key] {
			continue
		}
		seen[key] = true
		h.Transactions = append(h.Transactions, txn)
	}
}

func validUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return fmt.Errorf("invalid user id %q", userID)
	}
	return nil
}

var _ Source = (*DirSource)(nil)
