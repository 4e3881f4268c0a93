package syncbuffer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFinishCleanWithNoFailures(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)
	b.Info("proj-a", "up to date")

	if !b.Finish() {
		t.Fatal("Finish() = false, want true for a buffer with only info messages")
	}
	if !strings.Contains(buf.String(), "proj-a: up to date") {
		t.Fatalf("output = %q, want it to contain the info message", buf.String())
	}
}

func TestFailMarksUnclean(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)
	b.Fail("proj-a", errors.New("boom"))

	if b.Finish() {
		t.Fatal("Finish() = true, want false after a Fail()")
	}
	if !strings.Contains(buf.String(), "proj-a: error: boom") {
		t.Fatalf("output = %q, want it to contain the failure", buf.String())
	}
}

func TestLater1RunsBeforeLater2(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)

	var order []string
	b.Later1("proj-a", func() error { order = append(order, "later1"); return nil })
	b.Later2("proj-a", func() error { order = append(order, "later2"); return nil })

	if !b.Finish() {
		t.Fatal("Finish() = false, want true")
	}
	if len(order) != 2 || order[0] != "later1" || order[1] != "later2" {
		t.Fatalf("order = %v, want [later1 later2]", order)
	}
}

func TestLater1FailureSkipsLater2(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)

	ran2 := false
	b.Later1("proj-a", func() error { return errors.New("ff failed") })
	b.Later2("proj-a", func() error { ran2 = true; return nil })

	if b.Finish() {
		t.Fatal("Finish() = true, want false after a later1 failure")
	}
	if ran2 {
		t.Fatal("later2 action ran despite later1 failing")
	}
}

func TestLater1StopsAtFirstFailureWithinQueue(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)

	ranSecond := false
	b.Later1("proj-a", func() error { return errors.New("first fails") })
	b.Later1("proj-b", func() error { ranSecond = true; return nil })

	if b.Finish() {
		t.Fatal("Finish() = true, want false")
	}
	if ranSecond {
		t.Fatal("second later1 action ran after the first in the same queue failed")
	}
}

func TestLaterFailuresSurfaceOnSecondPrintPass(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)

	b.Later1("proj-a", func() error { return errors.New("ff failed") })
	b.Finish()

	if !strings.Contains(buf.String(), "proj-a: error: ff failed") {
		t.Fatalf("output = %q, want the later1 failure printed", buf.String())
	}
}
