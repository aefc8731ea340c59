package vmm

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/gokvm/gokvm/machine"
	"github.com/gokvm/gokvm/term"
)

type VMM struct {
	*machine.Machine
	Config
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.NCPUs, v.TapIfName)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

func (v *VMM) Setup() error {
	return v.Machine.LoadLinux(v.Kernel, v.Initrd, v.Params)
}

func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		fmt.Printf("Start CPU %d of %d\r\n", cpu, v.NCPUs)
		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			if err := v.RunInfiniteLoop(cpu); err != nil {
				fmt.Printf("CPU %d exited with error: %v\r\n", cpu, err)
			}

			fmt.Printf("CPU %d exits\n\r", cpu)
		}(cpu)
	}

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")
		select {}
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	var before byte

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				log.Printf("%v", err)

				break
			}

			v.GetInputChan() <- b

			if err := v.InjectSerialIRQ(); err != nil {
				log.Printf("InjectSerialIRQ: %v", err)
			}

			if before == 0x1 && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b
		}
	}()

	fmt.Printf("Waiting for CPUs to exit\r\n")
	wg.Wait()
	fmt.Printf("All cpus done\n\r")

	return nil
}
