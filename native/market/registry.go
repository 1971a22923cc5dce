package market

// StaticRegistry is a map-backed resolver for token contracts, external
// check targets, contract signers and discount implementations. Bindings
// are registered at wiring time; the settlement path only ever reads, so no
// locking discipline is needed.
type StaticRegistry struct {
	fungibles   map[[20]byte]FungibleToken
	collections map[[20]byte]Collection
	checks      map[[20]byte]ExternalCheckTarget
	signers     map[[20]byte]ContractSigner
	discounts   map[[20]byte]Discount
}

// NewStaticRegistry returns an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		fungibles:   make(map[[20]byte]FungibleToken),
		collections: make(map[[20]byte]Collection),
		checks:      make(map[[20]byte]ExternalCheckTarget),
		signers:     make(map[[20]byte]ContractSigner),
		discounts:   make(map[[20]byte]Discount),
	}
}

// RegisterFungible binds a fungible token to an address.
func (r *StaticRegistry) RegisterFungible(addr [20]byte, token FungibleToken) {
	r.fungibles[addr] = token
}

// RegisterCollection binds a collection to an address.
func (r *StaticRegistry) RegisterCollection(addr [20]byte, coll Collection) {
	r.collections[addr] = coll
}

// RegisterCheckTarget binds an external-check target to an address.
func (r *StaticRegistry) RegisterCheckTarget(addr [20]byte, target ExternalCheckTarget) {
	r.checks[addr] = target
}

// RegisterContractSigner binds a programmatic signature validator to a
// signer address.
func (r *StaticRegistry) RegisterContractSigner(addr [20]byte, signer ContractSigner) {
	r.signers[addr] = signer
}

// RegisterDiscount binds a discount implementation to an address. The
// persistent allow-list still gates whether the engine will invoke it.
func (r *StaticRegistry) RegisterDiscount(addr [20]byte, d Discount) {
	r.discounts[addr] = d
}

// Fungible implements TokenRegistry.
func (r *StaticRegistry) Fungible(_ State, addr [20]byte) (FungibleToken, bool) {
	token, ok := r.fungibles[addr]
	return token, ok
}

// Collection implements TokenRegistry.
func (r *StaticRegistry) Collection(_ State, addr [20]byte) (Collection, bool) {
	coll, ok := r.collections[addr]
	return coll, ok
}

// CheckTarget implements CheckResolver.
func (r *StaticRegistry) CheckTarget(addr [20]byte) (ExternalCheckTarget, bool) {
	target, ok := r.checks[addr]
	return target, ok
}

// ContractSigner implements SignerResolver.
func (r *StaticRegistry) ContractSigner(addr [20]byte) (ContractSigner, bool) {
	signer, ok := r.signers[addr]
	return signer, ok
}

// Discount implements DiscountResolver.
func (r *StaticRegistry) Discount(addr [20]byte) (Discount, bool) {
	d, ok := r.discounts[addr]
	return d, ok
}

var (
	_ TokenRegistry    = (*StaticRegistry)(nil)
	_ CheckResolver    = (*StaticRegistry)(nil)
	_ SignerResolver   = (*StaticRegistry)(nil)
	_ DiscountResolver = (*StaticRegistry)(nil)
)
