package database

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desdbi/internal/metrics"
)

func TestRewriterRules(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "untouched",
			in:   "SELECT a, b FROM t WHERE c = :c",
			want: "SELECT a, b FROM t WHERE c = :c",
		},
		{
			name: "listagg",
			in:   "SELECT LISTAGG(name, ',') WITHIN GROUP (ORDER BY name) AS names FROM t",
			want: "SELECT GROUP_CONCAT(name, ',') AS names FROM t",
		},
		{
			name: "listagg without within group",
			in:   "SELECT listagg(name, ',') AS names FROM t",
			want: "SELECT GROUP_CONCAT(name, ',') AS names FROM t",
		},
		{
			name: "date bind passes through",
			in:   "SELECT x FROM t WHERE d > TO_DATE(:d, 'YYYY-MM-DD')",
			want: "SELECT x FROM t WHERE d > :d",
		},
		{
			name: "nullcmp",
			in:   "SELECT NULLCMP(a.x, b.y) FROM t",
			want: "SELECT CASE\n    WHEN a.x is NULL and b.y is NULL\n        THEN 1\n" +
				"    WHEN a.x = b.y\n        THEN 1\n    ELSE 0\nEND FROM t",
		},
		{
			name: "concat",
			in:   "SELECT a || b FROM t",
			want: "SELECT COALESCE(a, '') || COALESCE(b, '') FROM t",
		},
		{
			name: "concat of literal, call and column",
			in:   "SELECT 'x' || upper(name) || t.id FROM t",
			want: "SELECT COALESCE('x', '') || COALESCE(upper(name), '') || COALESCE(t.id, '') FROM t",
		},
		{
			name: "concat operator inside literal",
			in:   "SELECT 'a||b' FROM t",
			want: "SELECT 'a||b' FROM t",
		},
		{
			name: "dual exists",
			in:   "SELECT 1 FROM DUAL WHERE EXISTS (SELECT 1 FROM t WHERE x = 1)",
			want: "SELECT 1 FROM t WHERE x = 1",
		},
		{
			name: "date call on a column is left alone",
			in:   "SELECT TO_DATE(d.night, 'YYYYMMDD') FROM t d",
			want: "SELECT TO_DATE(d.night, 'YYYYMMDD') FROM t d",
		},
		{
			name: "positional date bind",
			in:   "SELECT x FROM t WHERE d > TO_TIMESTAMP(?, 'YYYY-MM-DD')",
			want: "SELECT x FROM t WHERE d > ?",
		},
		{
			name: "nullcmp with parenthesis in a literal",
			in:   "SELECT NULLCMP(a, ')') FROM t",
			want: "SELECT CASE\n    WHEN a is NULL and ')' is NULL\n        THEN 1\n" +
				"    WHEN a = ')'\n        THEN 1\n    ELSE 0\nEND FROM t",
		},
		{
			name: "concat with escaped quotes",
			in:   "SELECT 'it''s' || x || 'o''k' FROM t",
			want: "SELECT COALESCE('it''s', '') || COALESCE(x, '') || COALESCE('o''k', '') FROM t",
		},
		{
			name: "nvl",
			in:   "SELECT NVL(a, 0), nvl(b, 1) FROM t",
			want: "SELECT ifnull(a, 0), ifnull(b, 1) FROM t",
		},
	}
	rw := NewRewriter(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rw.Rewrite(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRewriteDateLiteral(t *testing.T) {
	rw := NewRewriter(nil)
	got, err := rw.Rewrite(context.Background(),
		"SELECT TO_DATE('2021-01-02 03:04:05.0000','YYYY-MM-DD HH24:MI:SS.S') FROM DUAL")
	require.NoError(t, err)

	want := time.Date(2021, 1, 2, 3, 4, 5, 0, time.Local).Unix()
	assert.Equal(t, "SELECT "+strconv.FormatInt(want, 10)+" FROM DUAL", got)

	// The literal survives a round trip to the second.
	assert.True(t, time.Unix(want, 0).Equal(time.Date(2021, 1, 2, 3, 4, 5, 0, time.Local)))
}

func TestRewriteDateBeforeConcat(t *testing.T) {
	rw := NewRewriter(nil)
	got, err := rw.Rewrite(context.Background(),
		"SELECT name || 'x' FROM t WHERE d = TO_DATE('2021-01-02', 'YYYY-MM-DD')")
	require.NoError(t, err)

	want := time.Date(2021, 1, 2, 0, 0, 0, 0, time.Local).Unix()
	assert.Equal(t, "SELECT COALESCE(name, '') || COALESCE('x', '') FROM t WHERE d = "+strconv.FormatInt(want, 10), got)
}

func TestConvertDateArg(t *testing.T) {
	v, ok := convertDateArg("TO_DATE('2021-01-02', 'YYYY-MM-DD')")
	require.True(t, ok)
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.Local).Unix(), v)

	_, ok = convertDateArg("plain value")
	assert.False(t, ok)
}

func TestRewriterFailures(t *testing.T) {
	tests := []struct {
		name string
		in   string
		rule string
		err  error
	}{
		{"unbalanced", "SELECT NULLCMP(a, b FROM t", "nullcmp", ErrUnbalancedParentheses},
		{"listagg without alias", "SELECT LISTAGG(name, ',') WITHIN GROUP (ORDER BY name) FROM t", "listagg", ErrSyntax},
		{"unbalanced date quote", "SELECT TO_DATE('2021-01-02, x) FROM t", "dates", ErrUnbalancedQuotes},
		{"unknown staging table", "WITH x AS (SELECT /*+ materialize */ a.id FROM t a) SELECT * FROM x", "materialize", ErrUnknownStagingTarget},
		{"misplaced hint", "SELECT * FROM (SELECT /*+ materialize */ filename FROM t)", "materialize", ErrUnexpectedMaterializeFormat},
	}

	rw := NewRewriter(func(context.Context, string) error { return nil })
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.RewritesTotal.WithLabelValues(metrics.Fail))

			_, err := rw.Rewrite(context.Background(), tt.in)
			require.ErrorIs(t, err, tt.err)

			var rerr *RewriteError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.rule, rerr.Rule)
			assert.Equal(t, tt.in, rerr.Statement)
			assert.True(t, IsRewriteError(err))
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.RewritesTotal.WithLabelValues(metrics.Fail)))
		})
	}
}

func TestMaterialize(t *testing.T) {
	var executed []string
	rw := NewRewriter(func(_ context.Context, stmt string) error {
		executed = append(executed, stmt)
		return nil
	})

	got, err := rw.Rewrite(context.Background(),
		"WITH x AS (SELECT /*+ materialize */ i.filename, i.band\n  FROM image i WHERE i.band = 'g')\nSELECT x.filename FROM x ORDER BY x.filename")
	require.NoError(t, err)
	assert.Equal(t, "SELECT x.filename FROM COADD_IMAGE_QUERY x ORDER BY x.filename", got)
	assert.Equal(t, []string{
		"DELETE FROM COADD_IMAGE_QUERY",
		"INSERT INTO COADD_IMAGE_QUERY (FILENAME,BAND) SELECT i.filename, i.band FROM image i WHERE i.band = 'g'",
	}, executed)
}

func TestMaterializeKeepsOtherCTEs(t *testing.T) {
	var executed []string
	rw := NewRewriter(func(_ context.Context, stmt string) error {
		executed = append(executed, stmt)
		return nil
	})

	got, err := rw.Rewrite(context.Background(),
		"WITH a AS (SELECT 1 AS q FROM DUAL), x AS (SELECT /*+ materialize */ t.tilename AS tilename FROM tiles t) SELECT * FROM a, x")
	require.NoError(t, err)
	assert.Equal(t, "WITH a AS (SELECT 1 AS q FROM DUAL) SELECT * FROM a, COADD_TILE_QUERY x", got)
	require.Len(t, executed, 2)
	assert.Equal(t, "INSERT INTO COADD_TILE_QUERY (TILENAME) SELECT t.tilename AS tilename FROM tiles t", executed[1])
}

func TestMaterializeWithoutExecutor(t *testing.T) {
	_, err := NewRewriter(nil).Rewrite(context.Background(),
		"WITH x AS (SELECT /*+ materialize */ filename FROM t) SELECT * FROM x")
	assert.True(t, IsRewriteError(err))
}

func TestMaterializeStagesOnlyAfterRewriteSucceeds(t *testing.T) {
	var executed []string
	rw := NewRewriter(func(_ context.Context, stmt string) error {
		executed = append(executed, stmt)
		return nil
	})

	_, err := rw.Rewrite(context.Background(),
		"WITH x AS (SELECT /*+ materialize */ filename FROM t) SELECT LISTAGG(x.filename, ',') FROM x")
	require.ErrorIs(t, err, ErrSyntax)
	assert.Empty(t, executed)
}

func TestMaterializeExecFailure(t *testing.T) {
	boom := errors.New("boom")
	rw := NewRewriter(func(context.Context, string) error { return boom })

	_, err := rw.Rewrite(context.Background(),
		"WITH x AS (SELECT /*+ materialize */ filename FROM t) SELECT * FROM x")
	assert.ErrorIs(t, err, boom)
}
