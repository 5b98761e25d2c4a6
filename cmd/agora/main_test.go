package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/agora/internal/config"
	"github.com/ssd-technologies/agora/internal/governance"
	"github.com/ssd-technologies/agora/internal/knowledge"
	"github.com/ssd-technologies/agora/internal/vocab"
)

func TestRulesFromConfig(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, governance.DefaultRules(), rulesFrom(cfg))

	cfg.Governance.BaseThreshold = 9
	require.Equal(t, 9, rulesFrom(cfg).EndorseThreshold(governance.TypeBase))
}

func TestOpenEngineCreatesDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir() + "/nested/data"
	ctx := context.Background()

	e, closeFn, err := openEngine(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = e.RecordMessage(ctx, knowledge.Message{GlyphID: "H01", Sender: "alice", Recipient: "agora"}, false)
	require.NoError(t, err)
	closeFn()

	// A second open sees what the first recorded.
	e, closeFn, err = openEngine(ctx, cfg, nil)
	require.NoError(t, err)
	defer closeFn()
	require.Equal(t, int64(1), e.Stats().TotalMessages)
}

func TestDefinition(t *testing.T) {
	require.Equal(t, "Q01+R01", definition(vocab.Item{Kind: vocab.KindCompound, Components: []string{"Q01", "R01"}}))
	require.Equal(t, "defi: stake, lock", definition(vocab.Item{
		Kind: vocab.KindBase, Domain: "defi", Keywords: []string{"stake", "lock"}, CreatedAt: time.Now(),
	}))
}

func TestPluralize(t *testing.T) {
	require.Equal(t, "1 proposal", pluralize(1, "proposal"))
	require.Equal(t, "3 proposals", pluralize(3, "proposal"))
	require.Equal(t, "0 proposals", pluralize(0, "proposal"))
}
