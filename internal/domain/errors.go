package domain

import "errors"

var (
	ErrTopicNotFound      = errors.New("topic not found")
	ErrDuplicateTopic     = errors.New("topic key already exists")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrMessageNotFound    = errors.New("message not found")
)
