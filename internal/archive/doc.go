// Package archive reads and writes update archives.
//
// An update archive is a plain tar file whose entries are addressed by exact
// name. Entries are streamed straight out of the tar file on every Open, so
// images larger than the available memory can be piped through a
// decompressor onto a partition, and a verification pass never sees stale
// cached content.
package archive
