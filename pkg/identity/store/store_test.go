package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
)

type userDoc struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	OrgID    string `json:"orgId,omitempty"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	in := userDoc{ID: "u1", Username: "ada", Email: "ada@example.com"}
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", in))

	var out userDoc
	require.NoError(t, db.Get(ctx, CollectionUsers, "u1", &out))
	assert.Equal(t, in, out)

	err := db.Get(ctx, CollectionUsers, "missing", &out)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestInsertDuplicateIDConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "ada"}))

	err := db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "other"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestUsernameUniquenessIsEnforced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "ada"}))

	err := db.Insert(ctx, CollectionUsers, "u2", userDoc{ID: "u2", Username: "ada"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// uniqueness is scoped to the users collection
	require.NoError(t, db.Insert(ctx, CollectionRoles, "r1", map[string]any{"username": "ada"}))
}

func TestEmailUniquenessIgnoresEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "a", Email: "x@example.com"}))

	err := db.Insert(ctx, CollectionUsers, "u2", userDoc{ID: "u2", Username: "b", Email: "x@example.com"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// accounts without email do not collide with each other
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u3", userDoc{ID: "u3", Username: "c"}))
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u4", userDoc{ID: "u4", Username: "d"}))
}

func TestUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "ada"}))

	require.NoError(t, db.Update(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "ada", OrgID: "org-1"}))
	var out userDoc
	require.NoError(t, db.Get(ctx, CollectionUsers, "u1", &out))
	assert.Equal(t, "org-1", out.OrgID)

	err := db.Update(ctx, CollectionUsers, "missing", userDoc{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, db.Delete(ctx, CollectionUsers, "u1"))
	err = db.Delete(ctx, CollectionUsers, "u1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListAndFindByField(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u1", userDoc{ID: "u1", Username: "ada", OrgID: "org-1"}))
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u2", userDoc{ID: "u2", Username: "bob", OrgID: "org-1"}))
	require.NoError(t, db.Insert(ctx, CollectionUsers, "u3", userDoc{ID: "u3", Username: "eve", OrgID: "org-2"}))

	all, err := db.List(ctx, CollectionUsers)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	org1, err := db.FindByField(ctx, CollectionUsers, "orgId", "org-1")
	require.NoError(t, err)
	assert.Len(t, org1, 2)

	var ada userDoc
	require.NoError(t, db.FindOneByField(ctx, CollectionUsers, "username", "ada", &ada))
	assert.Equal(t, "u1", ada.ID)

	err = db.FindOneByField(ctx, CollectionUsers, "username", "nobody", &ada)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
