//go:build !windows

package sysproxy

import "context"

func nativeWindows() (Strategy, Querier, func(context.Context) error) {
	return nil, nil, nil
}
