// Package idgen issues monotonically increasing offer and trade identifiers.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator wraps a snowflake node. Ids are zero padded so lexicographic
// order matches generation order.
type Generator struct {
	node *snowflake.Node
}

// New creates a generator for nodeID (0-1023). Every process writing to the
// same backend needs its own node id.
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

func (g *Generator) NextOfferID() string { return "O" + g.next() }

func (g *Generator) NextTradeID() string { return "T" + g.next() }

func (g *Generator) next() string {
	return fmt.Sprintf("%019d", g.node.Generate().Int64())
}
