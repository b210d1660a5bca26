package memory_test

import (
	"testing"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/memory"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) pipeline.Store { return memory.New() })
}
