package auth

// Permission is a capability bitmask carried in issued tokens. Bit ordinals
// are part of the external contract and must not be reordered.
type Permission uint32

const (
	// PermAdmin grants full registry control. It is only present in
	// root-issued session tokens and can never be granted through the
	// token issue operation.
	PermAdmin Permission = 1 << iota
	PermReadAuthorData
	PermViewPackages
	PermUpdateDescriptionAnyPackage
	PermUpdateDescriptionSpecificPackages
	PermUploadVersionAnyPackage
	PermUploadVersionSpecificPackages
	PermUpdateVersionDataAnyPackage
	PermUpdateVersionDataSpecificPackages
)

// scopedPairs maps each "specific packages" bit to its "any package"
// counterpart. The two variants of a capability are mutually exclusive on a
// single token.
var scopedPairs = map[Permission]Permission{
	PermUpdateDescriptionSpecificPackages: PermUpdateDescriptionAnyPackage,
	PermUploadVersionSpecificPackages:     PermUploadVersionAnyPackage,
	PermUpdateVersionDataSpecificPackages: PermUpdateVersionDataAnyPackage,
}

// Has reports whether the bitmask carries the given bit. The admin bit
// implies every other capability.
func (p Permission) Has(bit Permission) bool {
	if p&PermAdmin != 0 {
		return true
	}
	return p&bit != 0
}
