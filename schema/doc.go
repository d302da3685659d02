// Package schema describes entity types for the entwire serializer.
//
// A [Schema] is the per-type structural description: the ordered list of
// [Field] values, the optional identity field, and the [EntityFactory] used
// to instantiate the type. Schemas are built once per type by a
// [SchemaFactory] strategy and cached by a [Registry].
//
// # Quick Start
//
// The default strategy, [StructFields], turns every exported struct field
// into a schema field named by the registry naming policy:
//
//	type User struct {
//	    ID    uuid.UUID
//	    Email string `entwire:"email,index,unique"`
//	    Posts *relation.List[*Post] `entwire:",fk=author"`
//	}
//
//	s, err := reg.Get(reflect.TypeOf(User{}))
//	s.Identity().Name // "id"
//
// # Field Factories
//
// Each field converts its value through a [FieldFactory]. The factory wraps
// a [Converter] and short-circuits nil values in both directions, so a
// converter body never sees nil. [Chain] composes factories ordered by
// [FieldFactory.Order]: instance creation runs the stages ascending and
// source creation descending.
//
// Default factories come from the registry's [FactoryProvider]. Overrides
// take precedence, most specific first:
//
//	reg.SetTypeFieldFactory(userType, "email", lowerCase) // one field of one type
//	reg.SetFieldFactory("email", lowerCase)               // every field named email
//	reg.SetTypeFactory(moneyType, money)                  // every value of a type
//
// # Strategies
//
// The strategy for a type is the first of: an explicit [Registry.Register]
// or [Registry.GetWith] strategy, the strategy named by a [SchemaDeclarer]
// implementation, or the default for the type's kind. Structs use
// [StructFields] (with [AllFields] visibility when the struct has no
// exported fields), scalar types use [Scalar] and interface types use
// [Interface].
//
// # Building
//
// Schemas built while resolving a type are provisional: they are visible
// through the [BuildContext] handed to strategies and providers, so
// self-referential fields resolve, but they are published to readers of
// the registry only once the outermost build has validated. A failed build
// publishes nothing and returns an error matching
// [entwire.ErrSchemaConfiguration].
package schema
