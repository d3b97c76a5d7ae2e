// Package partition resolves partition labels to device nodes and partition numbers.
//
// Labels are looked up through the udev by-label symlinks, or through an
// explicit table for boards whose udev rules do not provide them. A label
// that does not resolve is ErrPartitionMissing, and callers must not attempt
// any write in that case.
package partition
