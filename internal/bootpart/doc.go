// Package bootpart directs the bootloader to a partition on the next power-on.
//
// A boot role is mapped to a partition label, the label to its device node,
// and the trailing partition index of that node is written as BootPartNo into
// the hardware-configuration store.
package bootpart
