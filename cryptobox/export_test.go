package cryptobox

// withFastKDF lowers the scrypt cost so tests do not pay the multi-second,
// 256 MiB production derivation on every call.
func withFastKDF(f func()) {
	saved := scryptN
	scryptN = 1 << 10
	defer func() { scryptN = saved }()
	f()
}
