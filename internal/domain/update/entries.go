package update

// Well-known entry names inside an update archive.
const (
	// EntryDecompressor is the executable that turns stored images into raw bytes.
	EntryDecompressor = "decompressor"
	// EntryManifest lists sha256 checksums of the stored entries.
	EntryManifest = "sha2-256sums"
	// EntryOverlay is the nested archive unpacked onto the live root in stage1.
	EntryOverlay = "KoboRoot.tgz"
	// EntryRootfs is the root filesystem image.
	EntryRootfs = "rootfs.img"
	// EntryVendor is the vendor filesystem image.
	EntryVendor = "vendor.img"
	// EntryUpdateScript is an optional hook script. It is never executed.
	EntryUpdateScript = "update_script"
	// EntryDriver is the updater executable bundled by the pack stage.
	EntryDriver = "driver"
)
