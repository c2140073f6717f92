package utilities

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// Snowflake hands out int64 ids from a single node so ids generated by one
// process never collide within the same millisecond.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake creates a generator for nodeID (0-1023).
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: node}, nil
}

// NextID returns the next id.
func (s *Snowflake) NextID() int64 {
	return s.node.Generate().Int64()
}
