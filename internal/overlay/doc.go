// Package overlay applies the KoboRoot.tgz overlay onto the live root filesystem.
//
// An overlay is a gzip-compressed tar of regular files, directories and
// symlinks. Test walks it completely before anything is written; Apply then
// unpacks it onto an afero filesystem confined to the root directory.
// Every application is appended to the install log.
package overlay
