//go:build !unix

package conn

func (cfg UDPSocketConfig) buildSetFns() setFuncSlice {
	return nil
}
