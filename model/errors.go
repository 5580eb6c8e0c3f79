package model

import (
	"errors"
	"fmt"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrClickLimit       = errors.New("click limit reached")
	ErrClickOrder       = errors.New("click order not increasing")
	ErrSessionIdle      = errors.New("session is not active")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many sessions")
	ErrOutOfBounds      = errors.New("click outside image")
)

// ProposalLoadError 提案文件格式错误，启动时致命
type ProposalLoadError struct {
	Path    string
	ImageID string
	Node    int
	Reason  string
	Err     error
}

func (e *ProposalLoadError) Error() string {
	msg := "failed to load proposals from " + e.Path
	if e.ImageID != "" {
		msg += fmt.Sprintf(" (image %q", e.ImageID)
		if e.Node >= 0 {
			msg += fmt.Sprintf(", node %d", e.Node)
		}
		msg += ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProposalLoadError) Unwrap() error {
	return e.Err
}

// ProposalNotFoundError 图像没有对应的提案树
type ProposalNotFoundError struct {
	ImageID  string
	Instance int
}

func (e *ProposalNotFoundError) Error() string {
	return fmt.Sprintf("image %q instance %d: %s", e.ImageID, e.Instance, ErrProposalNotFound)
}

func (e *ProposalNotFoundError) Unwrap() error {
	return ErrProposalNotFound
}

// AdapterLoadError adapter 参数形状不匹配，本次加载失败，原 adapter 保持不变
type AdapterLoadError struct {
	Layer string
	Want  [2]int
	Got   [2]int
	Err   error
}

func (e *AdapterLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to load adapter layer %q: %v", e.Layer, e.Err)
	}
	return fmt.Sprintf("failed to load adapter layer %q: shape %dx%d, want %dx%d",
		e.Layer, e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

func (e *AdapterLoadError) Unwrap() error {
	return e.Err
}
