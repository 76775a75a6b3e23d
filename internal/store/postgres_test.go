package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/formguard/formguard/internal/engine"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var profileColumns = []string{
	"client_id", "name", "client_key_hash", "client_key_prefix",
	"mode", "disabled", "created_at", "updated_at",
}

func profileRow(clientID, name string) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(profileColumns).
		AddRow(clientID, name, "$2a$10$hash", "fgk_abcd", ModeEnforce, false, now, now)
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PG) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool, NewPG(mockPool, zap.NewNop())
}

func TestCreateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("commits profile and default preferences", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		pg := NewPG(mockPool, zap.New(observedCore))

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(`INSERT INTO profiles (name, client_key_hash, client_key_prefix) VALUES ($1, $2, $3)`)).
			WithArgs("Work laptop", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(profileRow("c-1", "Work laptop"))
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO preferences (client_id) VALUES ($1)`)).
			WithArgs("c-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		profile, fullKey, err := pg.CreateProfile(ctx, "Work laptop")
		require.NoError(t, err)
		require.NotNil(t, profile)

		assert.Equal(t, "c-1", profile.ClientID)
		assert.Equal(t, "Work laptop", profile.Name)
		assert.True(t, strings.HasPrefix(fullKey, "fgk_"))
		assert.Len(t, fullKey, 52)

		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "rollback after commit must not be logged as an error")
	})

	t.Run("rolls back when the preferences insert fails", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		insertErr := errors.New("preferences insert refused")
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(`INSERT INTO profiles`)).
			WithArgs("Work laptop", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(profileRow("c-1", "Work laptop"))
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO preferences`)).
			WithArgs("c-1").
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		_, _, err := pg.CreateProfile(ctx, "Work laptop")
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM profiles WHERE client_id = $1`)).
			WithArgs("c-1").
			WillReturnRows(profileRow("c-1", "Work laptop"))

		profile, err := pg.GetProfile(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, profile)
		assert.Equal(t, ModeEnforce, profile.Mode)
		assert.False(t, profile.Disabled)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing returns nil, nil", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM profiles WHERE client_id = $1`)).
			WithArgs("ghost").
			WillReturnError(pgx.ErrNoRows)

		profile, err := pg.GetProfile(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, profile)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("passes nil for unchanged fields", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mode := ModeObserve
		params := UpdateProfileParams{Mode: &mode}

		mockPool.ExpectQuery(flexibleSQLMatcher(`UPDATE profiles SET`)).
			WithArgs("c-1", params.Name, params.Mode, params.Disabled).
			WillReturnRows(profileRow("c-1", "Work laptop"))

		profile, err := pg.UpdateProfile(ctx, "c-1", params)
		require.NoError(t, err)
		require.NotNil(t, profile)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing returns nil, nil", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`UPDATE profiles SET`)).
			WithArgs("ghost", (*string)(nil), (*string)(nil), (*bool)(nil)).
			WillReturnError(pgx.ErrNoRows)

		profile, err := pg.UpdateProfile(ctx, "ghost", UpdateProfileParams{})
		require.NoError(t, err)
		assert.Nil(t, profile)
	})
}

func TestDeleteProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes an existing profile", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM profiles WHERE client_id = $1`)).
			WithArgs("c-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, pg.DeleteProfile(ctx, "c-1"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing returns ErrNotFound", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM profiles WHERE client_id = $1`)).
			WithArgs("ghost").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := pg.DeleteProfile(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRotateClientKey(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a fresh key", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`UPDATE profiles SET client_key_hash`)).
			WithArgs("c-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(profileRow("c-1", "Work laptop"))

		profile, fullKey, err := pg.RotateClientKey(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, profile)
		assert.True(t, strings.HasPrefix(fullKey, "fgk_"))
		assert.Len(t, fullKey, 52)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing returns ErrNotFound", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`UPDATE profiles SET client_key_hash`)).
			WithArgs("ghost", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)

		_, _, err := pg.RotateClientKey(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLookupByPrefix(t *testing.T) {
	ctx := context.Background()

	t.Run("joins the client policy", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		columns := append(append([]string{}, profileColumns...), "policy")
		rows := pgxmock.NewRows(columns).
			AddRow("c-1", "Work laptop", "$2a$10$hash", "fgk_abcd", ModeEnforce, false, now, now,
				[]byte(`{"ai_enabled": true, "correlation_window_ms": 750}`))

		mockPool.ExpectQuery(flexibleSQLMatcher(`WHERE p.client_key_prefix = $1`)).
			WithArgs("fgk_abcd").
			WillReturnRows(rows)

		pw, err := pg.LookupByPrefix(ctx, "fgk_abcd")
		require.NoError(t, err)
		require.NotNil(t, pw)

		assert.Equal(t, "c-1", pw.ClientID)
		assert.True(t, pw.Policy.EffectiveAIEnabled(false))
		assert.Equal(t, 750*time.Millisecond, pw.Policy.EffectiveCorrelationWindow(500*time.Millisecond))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown prefix returns nil, nil", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`WHERE p.client_key_prefix = $1`)).
			WithArgs("fgk_none").
			WillReturnError(pgx.ErrNoRows)

		pw, err := pg.LookupByPrefix(ctx, "fgk_none")
		require.NoError(t, err)
		assert.Nil(t, pw)
	})
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()

	t.Run("get parses the policy column", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"client_id", "policy", "created_at", "updated_at"}).
			AddRow("c-1", []byte(`{"disabled_rules": ["known-tracker-endpoint"]}`), now, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM preferences WHERE client_id = $1`)).
			WithArgs("c-1").
			WillReturnRows(rows)

		prefs, err := pg.GetPreferences(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, prefs)
		assert.Equal(t, []string{"known-tracker-endpoint"}, prefs.Policy.DisabledRules)
	})

	t.Run("get rejects a corrupt policy column", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"client_id", "policy", "created_at", "updated_at"}).
			AddRow("c-1", []byte(`{not json`), now, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM preferences WHERE client_id = $1`)).
			WithArgs("c-1").
			WillReturnRows(rows)

		_, err := pg.GetPreferences(ctx, "c-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal policy")
	})

	t.Run("update replaces the policy wholesale", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		aiEnabled := false
		policy := engine.ClientPolicy{AIEnabled: &aiEnabled, DisabledRules: []string{"known-tracker-endpoint"}}
		payload, err := json.Marshal(policy)
		require.NoError(t, err)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"client_id", "policy", "created_at", "updated_at"}).
			AddRow("c-1", payload, now, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`UPDATE preferences SET policy = $2, updated_at = now() WHERE client_id = $1`)).
			WithArgs("c-1", payload).
			WillReturnRows(rows)

		prefs, err := pg.UpdatePreferences(ctx, "c-1", policy)
		require.NoError(t, err)
		require.NotNil(t, prefs)
		assert.False(t, prefs.Policy.EffectiveAIEnabled(true))
		assert.Equal(t, []string{"known-tracker-endpoint"}, prefs.Policy.DisabledRules)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAllowlist(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup normalizes the domain", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		rows := pgxmock.NewRows([]string{"exists"}).AddRow(true)
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT EXISTS`)).
			WithArgs("c-1", "shop.example.com").
			WillReturnRows(rows)

		listed, err := pg.IsAllowlisted(ctx, "c-1", "  Shop.Example.COM. ")
		require.NoError(t, err)
		assert.True(t, listed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("add is idempotent on conflict", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO allowlist`)).
			WithArgs("c-1", "shop.example.com").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		require.NoError(t, pg.AddAllowlistDomain(ctx, "c-1", "shop.example.com"))
	})

	t.Run("remove missing returns ErrNotFound", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM allowlist`)).
			WithArgs("c-1", "shop.example.com").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := pg.RemoveAllowlistDomain(ctx, "c-1", "shop.example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list returns entries in domain order", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"domain", "added_at"}).
			AddRow("cdn.example.org", now).
			AddRow("shop.example.com", now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM allowlist WHERE client_id = $1 ORDER BY domain`)).
			WithArgs("c-1").
			WillReturnRows(rows)

		entries, err := pg.ListAllowlist(ctx, "c-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "cdn.example.org", entries[0].Domain)
		assert.Equal(t, "shop.example.com", entries[1].Domain)
	})
}

func TestRules(t *testing.T) {
	ctx := context.Background()
	spec := json.RawMessage(`{"name": "beacon to tracker", "category": "danger"}`)

	t.Run("upsert returns the stored record", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"client_id", "rule_id", "spec", "created_at", "updated_at"}).
			AddRow("c-1", "custom-1", []byte(spec), now, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`INSERT INTO rules`)).
			WithArgs("c-1", "custom-1", spec).
			WillReturnRows(rows)

		record, err := pg.UpsertRule(ctx, "c-1", "custom-1", spec)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.JSONEq(t, string(spec), string(record.Spec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("upsert defaults an empty spec to an object", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"client_id", "rule_id", "spec", "created_at", "updated_at"}).
			AddRow("c-1", "custom-1", []byte(`{}`), now, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(`INSERT INTO rules`)).
			WithArgs("c-1", "custom-1", json.RawMessage(`{}`)).
			WillReturnRows(rows)

		record, err := pg.UpsertRule(ctx, "c-1", "custom-1", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(record.Spec))
	})

	t.Run("get missing returns nil, nil", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(`FROM rules WHERE client_id = $1 AND rule_id = $2`)).
			WithArgs("c-1", "ghost").
			WillReturnError(pgx.ErrNoRows)

		record, err := pg.GetRule(ctx, "c-1", "ghost")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("delete missing returns ErrNotFound", func(t *testing.T) {
		mockPool, pg := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM rules`)).
			WithArgs("c-1", "ghost").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := pg.DeleteRule(ctx, "c-1", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
