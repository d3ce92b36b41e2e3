// Package xunsafe provides a more convenient interface for performing unsafe
// operations than Go's built-in package unsafe.
package xunsafe

import (
	"github.com/rayforge/bvharena/pkg/xunsafe/layout"
)

// Int is any integer type.
type Int = layout.Int
