package models

import (
	"fmt"
	"time"
)

// EventSourceName identifies the origin of pod failure records on the wire.
const EventSourceName = "kubernetes"

// EventTypePodFailure is the record type emitted by the failure watcher.
const EventTypePodFailure = "pod_failure"

// StateCategory records which container state a failure was observed in.
type StateCategory string

const (
	StateWaiting    StateCategory = "waiting"
	StateTerminated StateCategory = "terminated"
	StateDeleted    StateCategory = "deleted"
	StatePhase      StateCategory = "phase"
)

// PodFailureEvent is the normalized candidate record handed from the watcher
// to the transport. Immutable once emitted.
type PodFailureEvent struct {
	Source       string            `json:"source"`
	Type         string            `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	ClusterName  string            `json:"cluster_name"`
	PodName      string            `json:"pod_name"`
	Namespace    string            `json:"namespace"`
	Status       string            `json:"status"`
	Reason       string            `json:"reason"`
	Message      string            `json:"message"`
	StatusType   StateCategory     `json:"status_type"`
	RestartCount int32             `json:"restart_count"`
	NodeName     string            `json:"node_name"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// DedupKey derives the suppression key for this event. Two events for the
// same pod in the same failure state share a key.
func (e PodFailureEvent) DedupKey() DedupKey {
	return DedupKey{PodName: e.PodName, Reason: e.Reason}
}

// DedupKey indexes the suppression cache.
type DedupKey struct {
	PodName string
	Reason  string
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s", k.PodName, k.Reason)
}

// PodStateEvent is a raw observation delivered by an event source before
// failure filtering. Reason is empty for healthy transitions.
type PodStateEvent struct {
	PodName      string
	Namespace    string
	Phase        string
	Reason       string
	Message      string
	StatusType   StateCategory
	RestartCount int32
	NodeName     string
	Labels       map[string]string
	ObservedAt   time.Time
	ResumeToken  string
}
