/*
Package manifest reads flow declarations from YAML files and turns them into
the desired tree the reconciler works on.

A declaration lists parameter contexts and the content of the target process
group. Process groups nest; references between entities are written by name
and resolved later against the declaration and the cluster:

	target: root
	parameterContexts:
	  - name: prod
	    parameters: {env: prod, db.password: ""}
	    sensitive: [db.password]
	processGroups:
	  - name: etl
	    parameterContext: prod
	    controllerServices:
	      - name: db
	        type: org.apache.nifi.dbcp.DBCPConnectionPool
	        properties: {Database Connection URL: "jdbc:postgresql://db/#{env}"}
	    processors:
	      - name: query
	        type: org.apache.nifi.processors.standard.ExecuteSQL
	        serviceRefs: {Database Connection Pooling Service: db}
	        state: running
	      - name: store
	        type: org.apache.nifi.processors.standard.PutFile
	        autoTerminate: [success, failure]
	    connections:
	      - name: query-to-store
	        source: query
	        destination: store
	        relationships: [success]

Several files, and several documents per file, merge into one declaration as
long as they agree on the target. Load accepts files and directories; a
directory contributes its .yaml and .yml files in name order.

Watcher reports changes to the same paths, debounced, for watch mode.
*/
package manifest
