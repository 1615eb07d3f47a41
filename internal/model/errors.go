package model

import (
	"errors"
)

var (
	ErrUnknownProfileType = errors.New("unknown profile type")
	ErrProfileConfig      = errors.New("invalid profile configuration")
	ErrPluginConfig       = errors.New("invalid plugin configuration")
)
