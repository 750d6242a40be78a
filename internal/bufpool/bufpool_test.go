// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString("<message/>")
	Put(b)

	b2 := Get()
	defer Put(b2)
	assert.Zero(t, b2.Len())
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	assert.NotPanics(t, func() {
		Put(b)
		Put(nil)
	})
}

func TestConcurrentRender(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("<r xmlns='urn:xmpp:sm:3'/>")
			assert.Equal(t, "<r xmlns='urn:xmpp:sm:3'/>", b.String())
			Put(b)
		}()
	}
	wg.Wait()
}
