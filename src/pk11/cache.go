// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"sync"

	"github.com/miekg/pkcs11"
)

// searchKey identifies a cached object search: all objects of a class
// whose given attribute equals the given value.
type searchKey struct {
	class uint
	attr  uint
	value string
}

// attrKey identifies a cached attribute read on a specific object.
type attrKey struct {
	obj  pkcs11.ObjectHandle
	attr uint
}

// attrCache memoizes object searches and attribute reads for one slot, per
// spec §3 ("Cache entry") and §4.2. It is safe for concurrent use.
type attrCache struct {
	mu      sync.Mutex
	search  map[searchKey][]pkcs11.ObjectHandle
	attrs   map[attrKey][]byte
	byObj   map[pkcs11.ObjectHandle][]attrKey // reverse index for remove_all_by_object
}

func newAttrCache() *attrCache {
	return &attrCache{
		search: make(map[searchKey][]pkcs11.ObjectHandle),
		attrs:  make(map[attrKey][]byte),
		byObj:  make(map[pkcs11.ObjectHandle][]attrKey),
	}
}

func (c *attrCache) objectsExist(k searchKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.search[k]
	return ok
}

func (c *attrCache) getObjects(k searchKey) []pkcs11.ObjectHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pkcs11.ObjectHandle(nil), c.search[k]...)
}

// addObjects caches a search result, including an empty result (a negative
// cache entry), per spec: "empty search results are cached to short-circuit
// repeat lookups".
func (c *attrCache) addObjects(k searchKey, handles []pkcs11.ObjectHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search[k] = append([]pkcs11.ObjectHandle(nil), handles...)
}

func (c *attrCache) attributeExists(k attrKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attrs[k]
	return ok
}

func (c *attrCache) getAttribute(k attrKey) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[k]
}

// addAttribute caches an attribute value. A nil value is never cached, per
// spec: "Never cache an attribute whose value is absent/null."
func (c *attrCache) addAttribute(k attrKey, value []byte) {
	if value == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[k] = value
	c.byObj[k.obj] = append(c.byObj[k.obj], k)
}

// removeByLabel purges every search entry keyed on CKA_LABEL, so that a
// newly created or renamed object is visible on the next lookup. It is
// intentionally coarse: any label-keyed search for any class is dropped,
// since a rename or creation invalidates "does an object with this label
// exist" for all classes that might have matched it.
func (c *attrCache) removeByLabel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.search {
		if k.attr == pkcs11.CKA_LABEL {
			delete(c.search, k)
		}
	}
}

// removeByClass purges cached searches for a given object class; used when
// an object of that class is created or destroyed so that cached ID/label
// searches over that class are not stale.
func (c *attrCache) removeByClass(class uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.search {
		if k.class == class {
			delete(c.search, k)
		}
	}
}

// removeByObject drops all cached attributes for a single (object,
// attribute) pair; used when a single attribute is known to have changed.
func (c *attrCache) removeByObject(obj pkcs11.ObjectHandle, attr uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attrs, attrKey{obj, attr})
}

// removeAllByObject purges every cache entry referencing obj: all of its
// cached attributes, and any search result that contains it. This is the
// invariant enforcement point for "destroying a handle invalidates all
// cache entries referring to it" (spec §5).
func (c *attrCache) removeAllByObject(obj pkcs11.ObjectHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.byObj[obj] {
		delete(c.attrs, k)
	}
	delete(c.byObj, obj)

	for k, handles := range c.search {
		filtered := handles[:0:0]
		changed := false
		for _, h := range handles {
			if h == obj {
				changed = true
				continue
			}
			filtered = append(filtered, h)
		}
		if changed {
			c.search[k] = filtered
		}
	}
}

func newSearchKey(class, attr uint, value []byte) searchKey {
	return searchKey{class: class, attr: attr, value: string(value)}
}
