//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package errors

import (
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	sentinel := NewTransient("capacity exceeded")

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"sentinel", sentinel, true},
		{"wrapped with pkg/errors", pkgerrors.Wrap(sentinel, "create record"), true},
		{"wrapped with fmt", NewOutOfMemory("alloc"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestErrorGroupWrapperRecoversPanics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	eg := NewErrorGroupWrapper(logger, "gen", 3)

	eg.Go(func() error { return nil })
	eg.Go(func() error { panic("image writer exploded") })

	err := eg.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image writer exploded")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "error_group_panic", hook.LastEntry().Data["action"])
}

func TestErrorGroupWrapperReturnsFirstError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	eg := NewErrorGroupWrapper(logger)
	expected := errors.New("write image")

	eg.Go(func() error { return expected })
	assert.ErrorIs(t, eg.Wait(), expected)
}

func TestGoWrapperRecoversPanics(t *testing.T) {
	logger, hook := test.NewNullLogger()

	wg := sync.WaitGroup{}
	wg.Add(1)
	GoWrapper(func() {
		defer wg.Done()
		panic("reaper")
	}, logger)
	wg.Wait()

	assert.Eventually(t, func() bool {
		return hook.LastEntry() != nil
	}, time.Second, 10*time.Millisecond)
}
