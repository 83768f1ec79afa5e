package main

import "testing"

func TestSubmissionWorkerPoolStop(t *testing.T) {
	p := newSubmissionWorkerPool(2)
	p.stop()
	p.stop()
	if p.submit(submissionTask{}) {
		t.Fatalf("submit after stop should be refused")
	}
	if cap(p.tasks) != submissionWorkerQueueMinDepth {
		t.Fatalf("queue depth = %d", cap(p.tasks))
	}
}
