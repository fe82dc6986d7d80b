package platform

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/vault"
)

func TestSenderDomain(t *testing.T) {
	assert.Equal(t, "acme.com", SenderDomain("no-reply@acme.com"))
	assert.Equal(t, "acme.com", SenderDomain("Acme <no-reply@Acme.com>"))
	assert.Equal(t, "acme.com", SenderDomain("Acme <no-reply@acme.com"))
	assert.Equal(t, "", SenderDomain("not-an-address"))
	assert.Equal(t, "", SenderDomain(""))
}

func TestPlatformFromDomain(t *testing.T) {
	assert.Equal(t, "Acme", PlatformFromDomain("acme.com"))
	assert.Equal(t, "Notion", PlatformFromDomain("mail.notion.so"))
	assert.Equal(t, "Example", PlatformFromDomain("example.co.uk"))
	assert.Equal(t, "", PlatformFromDomain("localhost"))
}

func TestRuleMatches(t *testing.T) {
	r := &store.PlatformRule{
		PlatformName:   "Acme",
		SenderPattern:  "@acme\\.com",
		SubjectPattern: "welcome",
	}
	assert.True(t, ruleMatches(r, "bot@acme.com", "Welcome aboard", ""))
	assert.False(t, ruleMatches(r, "bot@other.com", "Welcome aboard", ""))
	assert.False(t, ruleMatches(r, "bot@acme.com", "Invoice", ""))

	// A rule with no patterns matches nothing.
	assert.False(t, ruleMatches(&store.PlatformRule{PlatformName: "X"}, "a@b.c", "s", "c"))

	// A broken pattern disables the rule instead of matching everything.
	broken := &store.PlatformRule{PlatformName: "X", SenderPattern: "("}
	assert.False(t, ruleMatches(broken, "a@b.c", "s", "c"))
}

func TestInferPlatform(t *testing.T) {
	assert.Equal(t, "Acme", inferPlatform("acme.com", "Welcome to Acme", ""))
	assert.Equal(t, "Steam", inferPlatform("steampowered.com", "您的验证码", ""))
	assert.Equal(t, "", inferPlatform("acme.com", "Monthly invoice", "nothing here"))
	assert.Equal(t, "", inferPlatform("gmail.com", "Welcome to something", ""))
	assert.Equal(t, "", inferPlatform("", "Welcome", ""))
}

func newTestClassifier(t *testing.T) (*Classifier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	return New(store.NewWithDB(db, v, "sqlite3")), mock
}

func TestClassify_CorrectionWins(t *testing.T) {
	c, mock := newTestClassifier(t)

	mock.ExpectQuery("SELECT platform_name FROM platform_corrections").
		WithArgs(int64(1), "acme.com").
		WillReturnRows(sqlmock.NewRows([]string{"platform_name"}).AddRow("AcmeCorp"))

	names, err := c.Classify(context.Background(), 1, "bot@acme.com", "Welcome to Acme", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"AcmeCorp"}, names)
}

func TestClassify_RulesThenHeuristic(t *testing.T) {
	c, mock := newTestClassifier(t)

	mock.ExpectQuery("SELECT platform_name FROM platform_corrections").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM platform_rules").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "platform_name", "sender_pattern", "subject_pattern",
			"content_pattern", "is_enabled", "created_at",
		}))

	names, err := c.Classify(context.Background(), 1, "bot@acme.com", "Welcome to Acme", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme"}, names)
}
