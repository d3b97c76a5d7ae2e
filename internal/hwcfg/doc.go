// Package hwcfg reads and writes the hardware-configuration store.
//
// The store is a fixed-size blob at the start of a dedicated partition,
// holding "key=value" lines padded with NUL bytes. The bootloader reads it on
// power-on, BootPartNo in particular.
package hwcfg
