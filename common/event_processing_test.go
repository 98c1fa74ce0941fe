package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 2: define handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	// Case 3: handler errors surface
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}),
			func(p interface{}) error { return fmt.Errorf("dummy error") },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}

	processed := make(chan bool, 4)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			processed <- true
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: submitted tasks reach the handler
	{
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		lclCancel()
		select {
		case <-processed:
		case <-time.After(time.Second):
			assert.FailNow("task was not processed")
		}
	}

	// Case 2: non-blocking submit
	{
		assert.Nil(uut.TrySubmit(testStruct1{}))
		select {
		case <-processed:
		case <-time.After(time.Second):
			assert.FailNow("task was not processed")
		}
	}

	// Case 3: submit against a full buffer honors the caller context
	{
		idle, err := GetNewTaskProcessorInstance("testing-idle", 1, ctxt)
		assert.Nil(err)
		defer func() {
			assert.Nil(idle.StopEventLoop())
		}()
		// No event loop draining this one; fill the buffer
		assert.Nil(idle.TrySubmit(testStruct1{}))
		assert.NotNil(idle.TrySubmit(testStruct1{}))
		useContext, lclCancel := context.WithCancel(context.Background())
		lclCancel()
		assert.NotNil(idle.Submit(testStruct1{}, useContext))
	}
}
