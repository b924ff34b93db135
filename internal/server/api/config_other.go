//go:build !windows

package api

type platformOpts struct{}

func (platformOpts) nativeAttach() bool { return false }
