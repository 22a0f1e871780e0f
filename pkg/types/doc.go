/*
Package types defines the entity model shared by every flowsync package.

The model covers the five mutable entity kinds of a flow cluster: parameter
contexts, process groups, controller services, processors and connections.
Desired state and observed state use the same shape so that the differ can
walk both trees pairwise.

# Core Types

Identity:
  - Kind: one of the five entity kinds, with a fixed creation precedence
  - EntityRef: (kind, id); the id is empty for entities not created yet
  - RevisionToken: opaque optimistic-concurrency marker, echoed verbatim
  - Reference: a pointer from one entity's configuration to another entity

Configuration (one Spec variant per kind):
  - ParameterContextSpec: named parameters, some of them sensitive
  - ProcessGroupSpec: name, comments, bound parameter context
  - ControllerServiceSpec: type, properties, references to other services
  - ProcessorSpec: type, properties, service references, scheduling
  - ConnectionSpec: source, destination and selected relationships

Graphs:
  - DesiredNode: one declared entity with children and extra references
  - ObservedNode: one fetched entity with id, revision and run status

Policy:
  - Policy: deletion mode, conflict retries, failure handling, call timeout

# Building Declarations

Declarations are ordinary values composed with constructor functions:

	desired := types.Target(types.RootGroupID,
		types.NewParameterContext(types.ParameterContextSpec{
			Name:       "prod",
			Parameters: map[string]string{"env": "prod"},
		}),
		types.NewProcessGroup(types.ProcessGroupSpec{
			Name:             "ingest",
			ParameterContext: types.RefTo(types.KindParameterContext, "prod"),
		},
			types.NewControllerService(types.ControllerServiceSpec{
				Name:       "db",
				Type:       "org.apache.nifi.dbcp.DBCPConnectionPool",
				Properties: map[string]string{"Database Connection URL": "jdbc:postgresql://db/flows"},
			}),
			types.NewProcessor(types.ProcessorSpec{
				Name: "query",
				Type: "org.apache.nifi.processors.standard.ExecuteSQL",
				ServiceRefs: map[string]types.Reference{
					"Database Connection Pooling Service": types.RefTo(types.KindControllerService, "db"),
				},
			}),
		),
	)

# Equality

SpecEquals only looks at what the caller controls. Properties the declaration
does not mention, cluster defaults and masked sensitive values never cause an
update, which keeps repeated reconciles free of spurious changes.
*/
package types
