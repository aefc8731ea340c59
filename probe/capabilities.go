package probe

import "github.com/gokvm/gokvm/tools"

// KVMCapabilities prints the set of x86 KVM capabilities and supported
// CPUID features this host offers.
func KVMCapabilities() error {
	if err := tools.TestCaps(); err != nil {
		return err
	}

	return CPUID()
}
