package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetAccount(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateAccount("Renegade", "hash123")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	acct, err := db.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, "Renegade", acct.DisplayName)
	assert.Equal(t, "hash123", acct.PasswordHash)
	assert.False(t, acct.Banned)

	byName, err := db.GetAccountByDisplayName("Renegade")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
}

func TestCreateAccountDuplicateName(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateAccount("Renegade", "")
	require.NoError(t, err)

	_, err = db.CreateAccount("Renegade", "")
	assert.ErrorIs(t, err, ErrDuplicateAccount)
}

func TestGetAccountNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetAccount("nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSetAccountBanned(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateAccount("Renegade", "")
	require.NoError(t, err)

	require.NoError(t, db.SetAccountBanned(id, true))
	acct, err := db.GetAccount(id)
	require.NoError(t, err)
	assert.True(t, acct.Banned)

	assert.ErrorIs(t, db.SetAccountBanned("nope", true), ErrAccountNotFound)
}

func TestFriendships(t *testing.T) {
	db := openTestDB(t)
	a, err := db.CreateAccount("A", "")
	require.NoError(t, err)
	b, err := db.CreateAccount("B", "")
	require.NoError(t, err)
	c, err := db.CreateAccount("C", "")
	require.NoError(t, err)

	require.NoError(t, db.AddFriendship(a, b, "ACCEPTED"))
	require.NoError(t, db.AddFriendship(a, c, "PENDING"))

	ok, err := db.AreAcceptedFriends(a, b)
	require.NoError(t, err)
	assert.True(t, ok)

	// Friendship rows are symmetric
	ok, err = db.AreAcceptedFriends(b, a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AreAcceptedFriends(a, c)
	require.NoError(t, err)
	assert.False(t, ok, "pending friendship is not accepted")

	ids, err := db.AcceptedFriendIDs(a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids)

	// Upgrading the pending friendship makes it visible
	require.NoError(t, db.AddFriendship(a, c, "ACCEPTED"))
	ids, err = db.AcceptedFriendIDs(a)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestProfileSaveAndLoad(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateAccount("Renegade", "")
	require.NoError(t, err)

	_, err = db.GetProfile(id, "athena")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	row := &ProfileRow{
		AccountID:       id,
		ProfileType:     "athena",
		Revision:        1,
		CommandRevision: 1,
		Document:        []byte(`{"profileId":"athena"}`),
		UpdatedAt:       12345,
	}
	require.NoError(t, db.SaveProfile(row, -1))

	got, err := db.GetProfile(id, "athena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.JSONEq(t, `{"profileId":"athena"}`, string(got.Document))
}

func TestProfileRevisionConflict(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateAccount("Renegade", "")
	require.NoError(t, err)

	row := &ProfileRow{AccountID: id, ProfileType: "athena", Revision: 1, CommandRevision: 1, Document: []byte(`{}`), UpdatedAt: 1}
	require.NoError(t, db.SaveProfile(row, -1))

	// Writer A read rvn=1 and bumps to 2: accepted.
	row.Revision = 2
	require.NoError(t, db.SaveProfile(row, 1))

	// Writer B also read rvn=1: rejected, its base revision is stale.
	stale := &ProfileRow{AccountID: id, ProfileType: "athena", Revision: 2, CommandRevision: 2, Document: []byte(`{}`), UpdatedAt: 2}
	assert.ErrorIs(t, db.SaveProfile(stale, 1), ErrRevisionConflict)
}
