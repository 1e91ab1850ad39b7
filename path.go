// This file supports browsing the filesystem at the tree level: path-based
// opens and recursive visits layered over the directory handles.

package exfat

import (
	"strings"
)

const (
	// PathSeparator splits the components of paths handed to OpenPath.
	PathSeparator = "/"
)

func splitPath(p string) (parts []string) {
	parts = make([]string, 0)

	for _, part := range strings.Split(p, PathSeparator) {
		if part == "" {
			continue
		}

		parts = append(parts, part)
	}

	return parts
}

// OpenPath resolves a slash-separated path from the root and opens whatever
// it names. An empty path (or "/") opens the root directory. Intermediate
// handles are closed as the walk descends.
func (vol *Volume) OpenPath(p string) (n Node, err error) {
	current, err := vol.Root()
	if err != nil {
		return nil, err
	}

	parts := splitPath(p)

	for i, part := range parts {
		if i == len(parts)-1 {
			n, err = current.Open(part)
			current.Close()

			if err != nil {
				return nil, err
			}

			return n, nil
		}

		child, err := current.OpenDirectory(part)
		current.Close()

		if err != nil {
			return nil, err
		}

		current = child
	}

	return current, nil
}

// PathVisitorFunc is called for every entry found during a visit, with the
// path components leading to it (its own name last).
type PathVisitorFunc func(pathParts []string, entry *Entry) (err error)

// Visit walks the whole tree depth-first, directories before their contents.
func (vol *Volume) Visit(cb PathVisitorFunc) (err error) {
	root, err := vol.Root()
	if err != nil {
		return err
	}

	defer root.Close()

	return vol.visit(nil, root, cb)
}

// listEntries snapshots a directory's live entries so the visit callback
// never runs under the volume gate.
func listEntries(d *Directory) (entries []*Entry, err error) {
	entries = make([]*Entry, 0)

	err = d.Iterate(func(entry *Entry) (bool, error) {
		entries = append(entries, entry)
		return true, nil
	})

	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (vol *Volume) visit(pathParts []string, d *Directory, cb PathVisitorFunc) (err error) {
	entries, err := listEntries(d)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		childParts := append(append([]string{}, pathParts...), entry.Name())

		err = cb(childParts, entry)
		if err != nil {
			return err
		}

		if entry.IsDirectory() == true {
			child := d.openDirectoryEntry(entry)

			err = vol.visit(childParts, child, cb)
			child.Close()

			if err != nil {
				return err
			}
		}
	}

	return nil
}

// List returns the slash-joined paths of every entry in the tree, in visit
// order.
func (vol *Volume) List() (paths []string, err error) {
	paths = make([]string, 0)

	err = vol.Visit(func(pathParts []string, entry *Entry) (err error) {
		paths = append(paths, strings.Join(pathParts, PathSeparator))
		return nil
	})

	if err != nil {
		return nil, err
	}

	return paths, nil
}
