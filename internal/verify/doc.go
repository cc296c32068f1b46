// Package verify proves authenticity and integrity of a downloaded bundle
// before any of its contents may be unpacked or executed.
//
// There is exactly one verification algorithm in the system: both the
// release builder and the update applier call Verify. The check is
// fail-closed: any outcome short of a successful signature check is a
// rejection with a classified reason.
package verify
