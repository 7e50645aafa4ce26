package migrate

import (
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles_PairedUpDown(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	ups := make(map[string]bool)
	downs := make(map[string]bool)

	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			ups[strings.TrimSuffix(f, ".up.sql")] = true
		case strings.HasSuffix(f, ".down.sql"):
			downs[strings.TrimSuffix(f, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", f)
		}
	}

	assert.Equal(t, ups, downs)
}

func TestMigrations_CreateStallTable(t *testing.T) {
	body, err := fs.ReadFile(migrations, "sql/000001_create_eu_stall_rows.up.sql")
	require.NoError(t, err)

	for _, col := range []string{
		"ip", "active", "control_stall", "pipe_stall", "send_stall", "dist_stall",
		"sbid_stall", "sync_stall", "instr_fetch_stall", "other_stall", "scope",
	} {
		assert.Contains(t, string(body), "\n    "+col+" ")
	}
}

func TestMigrations_SourceParses(t *testing.T) {
	src, err := iofs.New(migrations, "sql")
	require.NoError(t, err)

	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	r, ident, err := src.ReadUp(next)
	require.NoError(t, err)

	defer r.Close()

	assert.Equal(t, "create_eu_stall_hotspots", ident)

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(body), "MATERIALIZED VIEW")
}

func TestWithMultiStatement(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{
			dsn:  "clickhouse://localhost:9000",
			want: "clickhouse://localhost:9000?x-multi-statement=true",
		},
		{
			dsn:  "clickhouse://localhost:9000?database=gpu",
			want: "clickhouse://localhost:9000?database=gpu&x-multi-statement=true",
		},
		{
			dsn:  "clickhouse://localhost:9000?x-multi-statement=true",
			want: "clickhouse://localhost:9000?x-multi-statement=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, withMultiStatement(tt.dsn))
		})
	}
}

func TestNew(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	m, ok := New(log, "clickhouse://db:9000").(*migrator)
	require.True(t, ok)
	assert.Equal(t, "clickhouse://db:9000?x-multi-statement=true", m.dsn)
}
