// Package store defines the persistent records read and written by the
// authentication core and the [RecordStore] contract implementations satisfy.
//
// # Records
//
//   - [Account]: identity record with primary, temporary and second-factor state.
//   - [Address]: normalized address view owned (optionally) by an account.
//   - [DomainAlias]: alias domain to canonical domain mapping.
//   - [ASP]: application-specific password with per-scope grants.
//   - [AuthEvent]: coalesced authentication audit row.
//
// Legacy stored shapes are normalized here, at the boundary, and nowhere else.
// The two-factor field may be persisted as a boolean or as a list of methods;
// [TwoFactorSet] accepts both and always exposes a canonical set.
//
// # What this package must NOT do
//
//   - Import the engine or any internal package.
//   - Hash, compare, or log secrets.
package store
